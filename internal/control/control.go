// Package control is the operation surface external collaborators call into:
// alert submission, acknowledgement and resolution, remediation approval,
// active-alert listing, history queries, and maintenance-window upkeep. It
// validates at the boundary and translates each call into the Engine's event
// vocabulary; it owns no state of its own.
package control

import (
	"context"
	goerrors "errors"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/audit"
	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/escalation"
	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/internal/suppression"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Surface exposes the externally callable operations. All methods are safe
// for concurrent use.
type Surface struct {
	engine   *escalation.Engine
	st       store.Store
	suppress *suppression.Index
	recorder *audit.Recorder
	clk      clock.Clock
	log      *zap.Logger
	validate *validator.Validate
}

// New builds a Surface over the running engine and its collaborators.
func New(engine *escalation.Engine, st store.Store, suppress *suppression.Index, recorder *audit.Recorder, clk clock.Clock, log *zap.Logger) *Surface {
	return &Surface{
		engine:   engine,
		st:       st,
		suppress: suppress,
		recorder: recorder,
		clk:      clk,
		log:      log,
		validate: validator.New(),
	}
}

// SubmitAlert validates and admits an ingress alert event. A malformed event
// is rejected with a ProtocolViolation and never enters the engine; a full
// ingress queue surfaces escalation.ErrQueueFull so the producer can shed or
// retry explicitly. Admission is idempotent on external_id: a replay of an
// already-seen external_id is dropped and reported successful.
func (s *Surface) SubmitAlert(ctx context.Context, in types.IngressAlertEvent) error {
	if err := s.validate.Struct(in); err != nil {
		return ierrors.NewProtocolViolation(err.Error())
	}

	if in.ExternalID != "" {
		first, err := s.suppress.MarkExternalID(ctx, in.ExternalID)
		if err != nil {
			// Dedup is best-effort: a broken dedup store degrades to
			// at-least-once admission, never to dropping alerts.
			s.log.Warn("control: marking external_id failed, replay dedup degraded",
				zap.String("external_id", in.ExternalID), zap.Error(err))
		} else if !first {
			return nil
		}
	}

	err := s.engine.Submit(types.Event{
		Kind:      types.EventIngressAlert,
		Timestamp: in.Timestamp,
		Ingress:   &in,
	})
	if err != nil && in.ExternalID != "" {
		// The event was shed, not admitted; forget the id so the producer's
		// retry is not mistaken for a replay.
		s.suppress.ClearExternalID(ctx, in.ExternalID)
	}
	return err
}

// AcknowledgeAlert records a human acknowledgement of an alert.
func (s *Surface) AcknowledgeAlert(ctx context.Context, alertID, by string) error {
	if alertID == "" {
		return ierrors.NewProtocolViolation("alert_id is required")
	}
	return s.engine.Submit(types.Event{
		Kind:      types.EventAck,
		AlertID:   alertID,
		Timestamp: s.clk.NowWall(),
		AckBy:     by,
	})
}

// ResolveAlert terminates an alert. Constitutional alerts only ever resolve
// through this path, never from a remediation outcome alone.
func (s *Surface) ResolveAlert(ctx context.Context, alertID, reason string) error {
	if alertID == "" {
		return ierrors.NewProtocolViolation("alert_id is required")
	}
	return s.engine.Submit(types.Event{
		Kind:          types.EventResolve,
		AlertID:       alertID,
		Timestamp:     s.clk.NowWall(),
		ResolveReason: reason,
	})
}

// ApproveRemediation grants a pending execution's approval gate.
func (s *Surface) ApproveRemediation(ctx context.Context, execID string) error {
	return s.submitApproval(ctx, execID, true)
}

// DenyRemediation rejects a pending execution; the engine folds the denial
// back into the owning alert as a negative remediation outcome.
func (s *Surface) DenyRemediation(ctx context.Context, execID string) error {
	return s.submitApproval(ctx, execID, false)
}

func (s *Surface) submitApproval(ctx context.Context, execID string, grant bool) error {
	if execID == "" {
		return ierrors.NewProtocolViolation("exec_id is required")
	}
	// The owning alert_id routes the decision onto that alert's partition,
	// keeping it ordered against the alert's other events.
	v, err := s.st.Get(ctx, store.KindExecutions, execID)
	if err != nil {
		if goerrors.Is(err, ierrors.ErrNotFound) {
			return errors.Wrap(ierrors.ErrNotFound, "control: unknown exec_id "+execID)
		}
		return err
	}
	exec, ok := v.(types.RemediationExecution)
	if !ok {
		return ierrors.NewInvariantViolation("record-shape", "store returned non-execution value for executions kind")
	}
	return s.engine.Submit(types.Event{
		Kind:           types.EventApprovalDecision,
		AlertID:        exec.AlertID,
		Timestamp:      s.clk.NowWall(),
		ApprovalExecID: execID,
		ApprovalGrant:  grant,
	})
}

// ListActiveAlerts returns every alert currently in a live, non-terminal
// state: active, acknowledged, or escalated.
func (s *Surface) ListActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	var out []types.Alert
	for _, status := range []types.AlertStatus{types.AlertStatusActive, types.AlertStatusAcknowledged, types.AlertStatusEscalated} {
		it, err := s.st.ScanIndex(ctx, store.KindAlerts, store.IndexAlertsByStatus, store.Range{Exact: string(status)})
		if err != nil {
			return nil, err
		}
		for {
			v, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			if a, ok := v.(types.Alert); ok {
				out = append(out, a)
			}
		}
		it.Close()
	}
	return out, nil
}

// AlertHistory returns the audit trail for one alert, oldest first,
// optionally bounded to a half-open [from, to) window.
func (s *Surface) AlertHistory(ctx context.Context, alertID string, window *audit.Window) ([]types.HistoryEntry, error) {
	if alertID == "" {
		return nil, ierrors.NewProtocolViolation("alert_id is required")
	}
	return s.recorder.AlertHistory(ctx, alertID, window)
}

// RemediationHistory returns every remediation outcome across all alerts
// within the half-open [from, to) window.
func (s *Surface) RemediationHistory(ctx context.Context, window audit.Window) ([]types.HistoryEntry, error) {
	return s.recorder.RemediationHistory(ctx, window)
}

// UpdateMaintenanceWindow creates or replaces a maintenance window. Updates
// are conditional on the stored version, retried on interleaving writers.
func (s *Surface) UpdateMaintenanceWindow(ctx context.Context, w types.MaintenanceWindow) error {
	if w.WindowID == "" {
		return ierrors.NewProtocolViolation("window_id is required")
	}
	if !w.End.After(w.Start) {
		return ierrors.NewProtocolViolation("window end must be after start")
	}
	for {
		w.Version = 0
		err := s.st.PutNew(ctx, store.KindWindows, w)
		if !goerrors.Is(err, ierrors.ErrAlreadyExists) {
			return err
		}
		cur, err := s.st.Get(ctx, store.KindWindows, w.WindowID)
		if err != nil {
			if goerrors.Is(err, ierrors.ErrNotFound) {
				continue // deleted between PutNew and Get; recreate
			}
			return err
		}
		existing, ok := cur.(types.MaintenanceWindow)
		if !ok {
			return ierrors.NewInvariantViolation("record-shape", "store returned non-window value for windows kind")
		}
		next := w
		_, err = s.st.Update(ctx, store.KindWindows, w.WindowID, existing.Version, func(any) (any, error) { return next, nil })
		if goerrors.Is(err, ierrors.ErrVersionMismatch) {
			continue
		}
		return err
	}
}
