// Package audit is the append-only history log shared by the Escalation
// Engine, Dispatcher, and Executor. It backs the control surface's
// alert-history and remediation-history operations, and it is what keeps
// history replayable even after total loss of notification or remediation
// capability — entries are written once and never mutated.
package audit

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Recorder appends HistoryEntry rows to the Store. Write failures are
// logged and dropped rather than propagated: history is best-effort
// observability, never a blocker for the state transition it describes.
//
// Recorder is the capability boundary the history control-surface
// operations sit behind, so it takes a logr.Logger rather than zap directly
// — a host embedding IAER supplies its own logr backend, not necessarily
// zap.
type Recorder struct {
	st  store.Store
	ids ids.Minter
	log logr.Logger
}

// New builds a Recorder.
func New(st store.Store, idMinter ids.Minter, log logr.Logger) *Recorder {
	return &Recorder{st: st, ids: idMinter, log: log}
}

func (r *Recorder) record(ctx context.Context, alertID string, kind types.HistoryEntryKind, at time.Time, detail map[string]string) {
	entry := types.HistoryEntry{
		EntryID:   r.ids.New(ids.KindAlert),
		AlertID:   alertID,
		Kind:      kind,
		CreatedAt: at,
		Detail:    detail,
	}
	if err := r.st.PutNew(ctx, store.KindHistory, entry); err != nil {
		r.log.Error(err, "audit: failed to record history entry", "alert_id", alertID, "kind", string(kind))
	}
}

// AlertTransition records a state-machine transition.
func (r *Recorder) AlertTransition(ctx context.Context, alertID string, from, to types.AlertStatus, at time.Time) {
	r.record(ctx, alertID, types.HistoryAlertTransition, at, map[string]string{
		"from": string(from),
		"to":   string(to),
	})
}

// NotificationOutcome records a NotificationJob reaching a terminal state.
func (r *Recorder) NotificationOutcome(ctx context.Context, job types.NotificationJob, at time.Time) {
	status := ""
	if job.TerminalStatus != nil {
		status = string(*job.TerminalStatus)
	}
	r.record(ctx, job.AlertID, types.HistoryNotificationOutcome, at, map[string]string{
		"job_id":  job.JobID,
		"channel": string(job.Channel),
		"status":  status,
	})
}

// RemediationOutcome records a RemediationExecution reaching a terminal
// state.
func (r *Recorder) RemediationOutcome(ctx context.Context, exec types.RemediationExecution, at time.Time) {
	r.record(ctx, exec.AlertID, types.HistoryRemediationOutcome, at, map[string]string{
		"exec_id":   exec.ExecID,
		"action_id": exec.ActionID,
		"status":    string(exec.Status),
	})
}

// Window bounds a history query by half-open [from, to) interval.
type Window struct {
	From time.Time
	To   time.Time
}

// AlertHistory returns every entry recorded for one alert_id, oldest
// first, restricted to the window if one is given.
func (r *Recorder) AlertHistory(ctx context.Context, alertID string, w *Window) ([]types.HistoryEntry, error) {
	it, err := r.st.ScanIndex(ctx, store.KindHistory, store.IndexHistoryByAlertID, store.Range{Exact: alertID})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	return collect(ctx, it, w)
}

// RemediationHistory returns every remediation-outcome entry across all
// alerts within the window.
func (r *Recorder) RemediationHistory(ctx context.Context, w Window) ([]types.HistoryEntry, error) {
	var rng store.Range
	if !w.From.IsZero() {
		rng.From = w.From.Format(time.RFC3339Nano)
	}
	if !w.To.IsZero() {
		rng.To = w.To.Format(time.RFC3339Nano)
	}
	it, err := r.st.ScanIndex(ctx, store.KindHistory, store.IndexHistoryByCreatedAt, rng)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	entries, err := collect(ctx, it, nil)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Kind == types.HistoryRemediationOutcome {
			out = append(out, e)
		}
	}
	return out, nil
}

func collect(ctx context.Context, it store.Iterator, w *Window) ([]types.HistoryEntry, error) {
	var out []types.HistoryEntry
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		e := v.(types.HistoryEntry)
		if w != nil {
			if !w.From.IsZero() && e.CreatedAt.Before(w.From) {
				continue
			}
			if !w.To.IsZero() && !e.CreatedAt.Before(w.To) {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}
