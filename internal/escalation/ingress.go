package escalation

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/metrics"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/internal/suppression"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// correlationKey derives the dedup key: rule_name,
// source, and the stable label subset in types.CorrelationKeyLabels, so two
// ingress events describing the same underlying condition collide.
func correlationKey(in types.IngressAlertEvent) string {
	var b strings.Builder
	b.WriteString(in.RuleName)
	b.WriteByte('|')
	b.WriteString(in.Source)
	keys := append([]string(nil), types.CorrelationKeyLabels...)
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(in.Labels[k])
	}
	return b.String()
}

func (e *Engine) handleIngress(ctx context.Context, ev types.Event) {
	in := ev.Ingress
	if in == nil {
		e.log.Error("escalation: ingress event missing payload")
		return
	}
	now := e.clock.NowWall()
	key := correlationKey(*in)

	result, err := e.suppress.ShouldSuppress(ctx, *in, key, now)
	if err != nil {
		e.log.Error("escalation: suppression check failed", zap.Error(err))
		return
	}

	switch result.Decision {
	case suppression.DecisionSuppress:
		metrics.RecordAlertSuppressed(result.Reason)
		e.putSuppressedRecord(ctx, *in, key, now, result)
	case suppression.DecisionMerge:
		metrics.RecordAlertMerged()
		e.mergeIntoExisting(ctx, result.MergeIntoID, in.Labels, now)
	case suppression.DecisionAdmit:
		metrics.RecordAlertAdmitted(string(in.Severity))
		e.admitNewAlert(ctx, *in, key, now)
	}
}

func (e *Engine) putSuppressedRecord(ctx context.Context, in types.IngressAlertEvent, key string, now time.Time, result suppression.Result) {
	alert := &types.Alert{
		AlertID:            e.ids.New(ids.KindAlert),
		RuleName:           in.RuleName,
		Severity:           in.Severity,
		Status:             types.AlertStatusSuppressed,
		Message:            in.Message,
		Source:             in.Source,
		CreatedAt:          now,
		UpdatedAt:          now,
		Labels:             in.Labels,
		CursorVersion:      1,
		ConstitutionalFlag: in.ConstitutionalFlag,
		CorrelationKey:     key,
		ExternalID:         in.ExternalID,
	}
	if err := e.store.PutNew(ctx, store.KindAlerts, *alert); err != nil {
		e.log.Error("escalation: persisting suppressed alert failed", zap.Error(err))
		return
	}
	e.hist.AlertTransition(ctx, alert.AlertID, "", types.AlertStatusSuppressed, now)
}

// mergeIntoExisting folds a duplicate ingress occurrence into the still-live
// alert for that correlation key: bump merge_count and cursor_version (so
// any in-flight timer is invalidated), append the occurrence's label diff,
// and restart the escalation clock from this instant at the alert's current
// cursor.
func (e *Engine) mergeIntoExisting(ctx context.Context, alertID string, labels map[string]string, now time.Time) {
	e.handleExistingAlert(ctx, types.Event{Kind: types.EventTimer, AlertID: alertID, Timestamp: now}, func(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error) {
		if alert.IsTerminal() {
			return nil, effects{}, nil
		}
		next := cloneAlert(alert)
		next.MergeCount++
		if diff, ok := diffLabels(alert.Labels, labels, now); ok {
			next.LabelDiffs = append(append([]types.LabelDiff(nil), alert.LabelDiffs...), diff)
		}
		next.CursorVersion++
		next.UpdatedAt = now
		return next, effects{timerAction: TimerReschedule}, nil
	})
}

// diffLabels compares a merged occurrence's labels against the alert's
// stored ones. ok is false when the occurrence carried nothing new — an
// identical duplicate appends no diff entry.
func diffLabels(stored, incoming map[string]string, now time.Time) (diff types.LabelDiff, ok bool) {
	diff = types.LabelDiff{MergedAt: now}
	for k, v := range incoming {
		old, exists := stored[k]
		switch {
		case !exists:
			if diff.Added == nil {
				diff.Added = make(map[string]string)
			}
			diff.Added[k] = v
		case old != v:
			if diff.Changed == nil {
				diff.Changed = make(map[string]string)
			}
			diff.Changed[k] = v
		}
	}
	return diff, diff.Added != nil || diff.Changed != nil
}

func (e *Engine) admitNewAlert(ctx context.Context, in types.IngressAlertEvent, key string, now time.Time) {
	policyID := e.defaultPolicy
	if in.ConstitutionalFlag {
		policyID = e.constitutionalPolicy
	}

	alert := &types.Alert{
		AlertID:            e.ids.New(ids.KindAlert),
		RuleName:           in.RuleName,
		Severity:           in.Severity,
		Status:             types.AlertStatusActive,
		Message:            in.Message,
		Source:             in.Source,
		CreatedAt:          now,
		UpdatedAt:          now,
		Labels:             in.Labels,
		CurrentPolicyID:    policyID,
		CursorVersion:      1,
		ConstitutionalFlag: in.ConstitutionalFlag,
		CorrelationKey:     key,
		ExternalID:         in.ExternalID,
	}
	if err := e.store.PutNew(ctx, store.KindAlerts, *alert); err != nil {
		e.log.Error("escalation: admitting alert failed", zap.Error(err))
		return
	}
	e.hist.AlertTransition(ctx, alert.AlertID, "", types.AlertStatusActive, now)

	e.scheduleNextTimer(ctx, alert)
}
