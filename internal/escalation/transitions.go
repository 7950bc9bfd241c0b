package escalation

import (
	"context"
	"time"

	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// decideAck implements `active|escalated -> acknowledged`:
// cancel pending escalation timers, keep remediation observations active.
func decideAck(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error) {
	if alert.IsTerminal() {
		return nil, effects{}, nil
	}
	if alert.Status != types.AlertStatusActive && alert.Status != types.AlertStatusEscalated {
		return nil, effects{}, nil
	}
	next := cloneAlert(alert)
	next.Status = types.AlertStatusAcknowledged
	next.AckedAt = &now
	next.AckBy = ev.AckBy
	next.CursorVersion++
	next.UpdatedAt = now
	return next, effects{timerAction: TimerCancel}, nil
}

// decideResolve implements `any non-terminal -> resolved`:
// cancels pending jobs/remediations via applyEffects' terminal-state sweep.
func decideResolve(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error) {
	if alert.IsTerminal() {
		return nil, effects{}, nil
	}
	next := cloneAlert(alert)
	next.Status = types.AlertStatusResolved
	next.ResolvedAt = &now
	next.CursorVersion++
	next.UpdatedAt = now
	return next, effects{timerAction: TimerCancel}, nil
}

// decideTimer implements the escalation cursor's fire-time trigger check.
// A timer whose
// cursor_version no longer matches the alert is stale and dropped.
func decideTimer(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error) {
	if alert.IsTerminal() || ev.TimerCursorVersion != alert.CursorVersion {
		return nil, effects{}, nil
	}
	policyDef, err := e.defs.Policy(ctx, alert.CurrentPolicyID)
	if err != nil {
		return nil, effects{}, err
	}
	if alert.CurrentRuleCursor >= len(policyDef.RuleIDs) {
		return nil, effects{}, nil
	}
	rule, err := e.defs.Rule(ctx, policyDef.RuleIDs[alert.CurrentRuleCursor])
	if err != nil {
		return nil, effects{}, err
	}
	matched, err := e.triggerMatches(ctx, *rule, alert)
	if err != nil {
		return nil, effects{}, err
	}
	if !matched {
		return nil, effects{}, nil
	}
	return e.advanceCursor(ctx, alert, now)
}

// advanceCursor resolves the rule at the alert's current cursor, creates its
// notification (and remediation mapping, if any), and moves the cursor
// forward one step. Shared by decideTimer (after a
// trigger match) and decideRemediationResult (which bypasses the match and
// the rule's delay after a failed/timeout/cancelled remediation outcome).
func (e *Engine) advanceCursor(ctx context.Context, alert *types.Alert, now time.Time) (*types.Alert, effects, error) {
	policyDef, err := e.defs.Policy(ctx, alert.CurrentPolicyID)
	if err != nil {
		return nil, effects{}, err
	}
	if alert.CurrentRuleCursor >= len(policyDef.RuleIDs) || alert.EscalationLevel >= e.maxEscalationsFor(policyDef) {
		return alert, effects{timerAction: TimerCancel}, nil
	}
	rule, err := e.defs.Rule(ctx, policyDef.RuleIDs[alert.CurrentRuleCursor])
	if err != nil {
		return nil, effects{}, err
	}

	contactID, err := e.resolveTarget(ctx, *rule, now)
	if err != nil {
		// Unresolvable target (no on-call contact): advance past this rule
		// rather than stall the alert forever on a dead escalation step.
		next := cloneAlert(alert)
		next.CurrentRuleCursor++
		next.CursorVersion++
		next.UpdatedAt = now
		return next, effects{timerAction: TimerReschedule}, nil
	}

	job := types.NotificationJob{
		JobID:              e.ids.New(ids.KindJob),
		AlertID:            alert.AlertID,
		ContactID:          contactID,
		Channel:            rule.Channel,
		TemplateID:         "escalation." + string(rule.Trigger),
		Variables:          alertVariables(alert),
		Priority:           priorityFor(alert),
		ScheduledNotBefore: now,
		CursorVersion:      alert.CursorVersion + 1,
		ConstitutionalFlag: alert.ConstitutionalFlag,
		CreatedAt:          now,
	}

	next := cloneAlert(alert)
	next.EscalationLevel++
	next.CurrentRuleCursor++
	next.CursorVersion++
	next.Status = types.AlertStatusEscalated
	next.UpdatedAt = now

	eff := effects{jobs: []types.NotificationJob{job}, timerAction: TimerReschedule}

	if action, ok := e.defs.RemediationFor(ctx, alert.RuleName, alert.Severity); ok && !next.RemediationAttempted {
		needsApproval := action.NeedsApprovalGate()
		status := types.ExecutionApproved
		if needsApproval {
			status = types.ExecutionPending
		}
		exec := types.RemediationExecution{
			ExecID:        e.ids.New(ids.KindExecution),
			ActionID:      action.ActionID,
			AlertID:       alert.AlertID,
			Status:        status,
			CursorVersion: next.CursorVersion,
			ConstitutionalFlag: alert.ConstitutionalFlag,
			CreatedAt:     now,
		}
		next.RemediationAttempted = true
		eff.newExecutions = append(eff.newExecutions, pendingExecution{exec: exec, action: *action, autoLaunch: !needsApproval})
		if needsApproval {
			eff.jobs = append(eff.jobs, types.NotificationJob{
				JobID:              e.ids.New(ids.KindJob),
				AlertID:            alert.AlertID,
				ContactID:          contactID,
				Channel:            rule.Channel,
				TemplateID:         "remediation.approval_request",
				Variables:          alertVariables(alert),
				Priority:           priorityFor(alert) + 1,
				ScheduledNotBefore: now,
				CursorVersion:      next.CursorVersion,
				ConstitutionalFlag: alert.ConstitutionalFlag,
				CreatedAt:          now,
			})
		}
	}

	return next, eff, nil
}

// decideRemediationResult folds a RemediationResult back into the alert.
// The execution record itself is
// updated separately by handleNotificationResult's sibling,
// handleRemediationResult, before this runs.
func decideRemediationResult(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error) {
	if alert.IsTerminal() {
		return nil, effects{}, nil
	}
	success := ev.RemediationStatus == types.ExecutionSuccess
	next := cloneAlert(alert)
	next.RemediationSuccess = &success
	next.UpdatedAt = now

	if success {
		if alert.ConstitutionalFlag {
			// Record success but require explicit human resolution.
			return next, effects{timerAction: TimerNone}, nil
		}
		return next, effects{
			timerAction: TimerNone,
			selfEvents: []types.Event{{
				Kind:          types.EventResolve,
				AlertID:       alert.AlertID,
				Timestamp:     now,
				ResolveReason: "automated remediation succeeded",
			}},
		}, nil
	}

	advanced, eff, err := e.advanceCursor(ctx, next, now)
	if err != nil {
		return nil, effects{}, err
	}
	advanced.RemediationSuccess = &success
	return advanced, eff, nil
}

// decideApprovalDenied implements the deny side of the approval gate:
// treated as a negative remediation
// outcome, advancing escalation one step like a failed attempt. The grant
// side only touches the RemediationExecution record, not the alert, and is
// handled directly by handleApprovalDecision.
func decideApprovalDenied(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error) {
	if alert.IsTerminal() {
		return nil, effects{}, nil
	}
	failed := false
	next := cloneAlert(alert)
	next.RemediationSuccess = &failed
	advanced, eff, err := e.advanceCursor(ctx, next, now)
	if err != nil {
		return nil, effects{}, err
	}
	advanced.RemediationSuccess = &failed
	return advanced, eff, nil
}

func alertVariables(alert *types.Alert) map[string]string {
	return map[string]string{
		"alert_id":  alert.AlertID,
		"rule_name": alert.RuleName,
		"severity":  string(alert.Severity),
		"source":    alert.Source,
		"message":   alert.Message,
	}
}

// priorityFor ranks a job's queue priority by alert severity, so critical
// and emergency alerts are served ahead of routine ones under load.
func priorityFor(alert *types.Alert) int {
	return alert.Severity.Rank()
}
