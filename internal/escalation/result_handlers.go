package escalation

import (
	"context"
	goerrors "errors"

	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// handleRemediationResult records the execution's outcome exactly once —
// the Executor emits one result per exec_id, and the terminal-status guard
// here mirrors that on the receiving side — then folds the outcome into the
// owning alert.
func (e *Engine) handleRemediationResult(ctx context.Context, ev types.Event) {
	now := e.clock.NowWall()
	for {
		cur, err := e.store.Get(ctx, store.KindExecutions, ev.RemediationExecID)
		if err != nil {
			if goerrors.Is(err, ierrors.ErrNotFound) {
				return
			}
			e.log.Error("escalation: get execution failed", zap.String("exec_id", ev.RemediationExecID), zap.Error(err))
			return
		}
		exec, ok := cur.(types.RemediationExecution)
		if !ok || exec.Status.IsTerminal() {
			return
		}
		next := exec
		next.Status = ev.RemediationStatus
		next.ExitCode = ev.RemediationExitCode
		next.StdoutTail = ev.RemediationStdoutTail
		next.StderrTail = ev.RemediationStderrTail
		if ev.RemediationStartedAt != nil && next.StartAt == nil {
			next.StartAt = ev.RemediationStartedAt
		}
		end := now
		next.EndAt = &end
		_, err = e.store.Update(ctx, store.KindExecutions, ev.RemediationExecID, exec.Version, func(any) (any, error) { return next, nil })
		if goerrors.Is(err, ierrors.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			e.log.Error("escalation: update execution failed", zap.String("exec_id", ev.RemediationExecID), zap.Error(err))
			return
		}
		e.hist.RemediationOutcome(ctx, next, now)
		break
	}

	alertEvent := types.Event{Kind: types.EventRemediationResult, AlertID: ev.AlertID, Timestamp: now, RemediationExecID: ev.RemediationExecID, RemediationStatus: ev.RemediationStatus}
	e.handleExistingAlert(ctx, alertEvent, decideRemediationResult)
}

// handleApprovalDecision updates the gated RemediationExecution and either
// launches it (grant) or advances the alert's escalation as a negative
// result (deny).
func (e *Engine) handleApprovalDecision(ctx context.Context, ev types.Event) {
	for {
		cur, err := e.store.Get(ctx, store.KindExecutions, ev.ApprovalExecID)
		if err != nil {
			if goerrors.Is(err, ierrors.ErrNotFound) {
				return
			}
			e.log.Error("escalation: get execution failed", zap.String("exec_id", ev.ApprovalExecID), zap.Error(err))
			return
		}
		exec, ok := cur.(types.RemediationExecution)
		if !ok || exec.Status != types.ExecutionPending {
			return
		}
		next := exec
		if ev.ApprovalGrant {
			next.Status = types.ExecutionApproved
		} else {
			next.Status = types.ExecutionCancelled
			end := e.clock.NowWall()
			next.EndAt = &end
		}
		committed, err := e.store.Update(ctx, store.KindExecutions, ev.ApprovalExecID, exec.Version, func(any) (any, error) { return next, nil })
		if goerrors.Is(err, ierrors.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			e.log.Error("escalation: update execution failed", zap.String("exec_id", ev.ApprovalExecID), zap.Error(err))
			return
		}

		approved := committed.(types.RemediationExecution)
		if ev.ApprovalGrant {
			action, err := e.defs.Action(ctx, approved.ActionID)
			if err != nil {
				e.log.Error("escalation: action lookup failed", zap.String("action_id", approved.ActionID), zap.Error(err))
				return
			}
			alertVal, err := e.store.Get(ctx, store.KindAlerts, approved.AlertID)
			if err != nil {
				e.log.Error("escalation: alert lookup failed", zap.String("alert_id", approved.AlertID), zap.Error(err))
				return
			}
			alert := alertVal.(types.Alert)
			e.executor.Launch(ctx, approved, *action, remediationContextFor(&alert))
			return
		}
		e.hist.RemediationOutcome(ctx, approved, e.clock.NowWall())
		// The submitted event may carry only the exec_id; the denial is folded
		// into whichever alert owns the execution.
		denied := ev
		denied.AlertID = approved.AlertID
		e.handleExistingAlert(ctx, denied, decideApprovalDenied)
		return
	}
}

// handleNotificationResult persists a job's terminal status exactly once.
func (e *Engine) handleNotificationResult(ctx context.Context, ev types.Event) {
	for {
		cur, err := e.store.Get(ctx, store.KindJobs, ev.NotificationJobID)
		if err != nil {
			if goerrors.Is(err, ierrors.ErrNotFound) {
				return
			}
			e.log.Error("escalation: get job failed", zap.String("job_id", ev.NotificationJobID), zap.Error(err))
			return
		}
		job, ok := cur.(types.NotificationJob)
		if !ok || job.IsTerminal() {
			return
		}
		next := job
		now := e.clock.NowWall()
		status := types.NotificationDelivered
		switch {
		case ev.NotificationCancelled:
			status = types.NotificationCancelled
		case ev.Kind == types.EventNotificationFailed:
			status = types.NotificationFailedPermanent
		}
		next.TerminalStatus = &status
		if status == types.NotificationDelivered {
			next.DeliveredAt = &now
		}
		_, err = e.store.Update(ctx, store.KindJobs, ev.NotificationJobID, job.Version, func(any) (any, error) { return next, nil })
		if goerrors.Is(err, ierrors.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			e.log.Error("escalation: update job failed", zap.String("job_id", ev.NotificationJobID), zap.Error(err))
			return
		}
		e.hist.NotificationOutcome(ctx, next, now)
		return
	}
}
