// Package suppression implements the Suppression Index:
// duplicate-detection, maintenance-window suppression, and cooldown timers.
// Cooldown state and the external_id replay marks live in Redis
// (github.com/redis/go-redis/v9) since they need fast TTL'd lookups that
// would be wasteful to route through the durable Store on every ingress.
// The correlation-key → live-alert lookup goes through AlertLookup, which
// the Store's correlation-key index backs.
package suppression

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Decision is the outcome of should_suppress.
type Decision string

const (
	DecisionSuppress Decision = "suppress"
	DecisionMerge    Decision = "merge"
	DecisionAdmit    Decision = "admit"
)

// Result carries the decision plus the data the caller needs to act on it.
type Result struct {
	Decision      Decision
	Reason        string // "maintenance_window" or "cooldown" when Decision == DecisionSuppress
	MergeIntoID   string // set when Decision == DecisionMerge
	MatchedWindow *types.MaintenanceWindow
}

// WindowLookup resolves the active maintenance windows a caller should
// consult; the Engine supplies this from the Store so the index itself does
// not own window storage.
type WindowLookup interface {
	ActiveWindows(ctx context.Context, now time.Time) ([]types.MaintenanceWindow, error)
}

// AlertLookup resolves the live (non-terminal) alert for a correlation key,
// if any; backed by the Store's alerts.correlation_key index.
type AlertLookup interface {
	LiveAlertByCorrelationKey(ctx context.Context, key string) (*types.Alert, error)
}

// DefaultCooldown is the fallback cooldown per severity when config omits an
// override.
var DefaultCooldown = map[types.Severity]time.Duration{
	types.SeverityInfo:      30 * time.Minute,
	types.SeverityWarning:   15 * time.Minute,
	types.SeverityCritical:  5 * time.Minute,
	types.SeverityEmergency: 1 * time.Minute,
}

// Index implements should_suppress against a Redis-backed cooldown map.
type Index struct {
	rdb      *redis.Client
	windows  WindowLookup
	alerts   AlertLookup
	cooldown map[types.Severity]time.Duration
}

// New builds a suppression Index. cooldown may be nil to use DefaultCooldown.
func New(rdb *redis.Client, windows WindowLookup, alerts AlertLookup, cooldown map[types.Severity]time.Duration) *Index {
	if cooldown == nil {
		cooldown = DefaultCooldown
	}
	return &Index{rdb: rdb, windows: windows, alerts: alerts, cooldown: cooldown}
}

func cooldownKey(ruleName, source string) string {
	return "iaer:cooldown:" + ruleName + ":" + source
}

func externalIDKey(id string) string {
	return "iaer:external:" + id
}

// externalIDTTL bounds how long an external_id is remembered for ingress
// retry dedup. Producer retries happen within seconds to minutes; a day is
// generous without growing the keyspace forever.
const externalIDTTL = 24 * time.Hour

// MarkExternalID records an ingress event's external_id and reports whether
// this is the first time it has been seen. Callers drop the event when it is
// a replay, making admission idempotent on external_id.
func (idx *Index) MarkExternalID(ctx context.Context, externalID string) (first bool, err error) {
	if externalID == "" {
		return true, nil
	}
	ok, err := idx.rdb.SetNX(ctx, externalIDKey(externalID), "1", externalIDTTL).Result()
	if err != nil {
		return false, ierrors.NewTransient("suppression.redis", err)
	}
	return ok, nil
}

// ClearExternalID forgets a previously marked external_id, used when the
// marked event could not actually be admitted (e.g. ingress shed) so a retry
// is not mistaken for a replay.
func (idx *Index) ClearExternalID(ctx context.Context, externalID string) {
	if externalID == "" {
		return
	}
	idx.rdb.Del(ctx, externalIDKey(externalID))
}

// ShouldSuppress decides what to do with an incoming occurrence, first match
// wins: maintenance window, then correlation-key merge (a live duplicate
// always merges, regardless of cooldown — cooldown governs re-admission of a
// *new* alert for the same rule+source, not a duplicate of one already open),
// then cooldown, else admit.
func (idx *Index) ShouldSuppress(ctx context.Context, in types.IngressAlertEvent, correlationKey string, now time.Time) (Result, error) {
	windows, err := idx.windows.ActiveWindows(ctx, now)
	if err != nil {
		return Result{}, ierrors.NewTransient("suppression.windows", err)
	}
	for i := range windows {
		w := windows[i]
		if w.Active(now) && w.Matches(in.Source, in.Labels) && w.SuppressNotifications {
			return Result{Decision: DecisionSuppress, Reason: "maintenance_window", MatchedWindow: &w}, nil
		}
	}

	existing, err := idx.alerts.LiveAlertByCorrelationKey(ctx, correlationKey)
	if err != nil {
		return Result{}, ierrors.NewTransient("suppression.alerts", err)
	}
	if existing != nil {
		return Result{Decision: DecisionMerge, MergeIntoID: existing.AlertID}, nil
	}

	onCooldown, err := idx.onCooldown(ctx, in.RuleName, in.Source, now)
	if err != nil {
		return Result{}, err
	}
	if onCooldown {
		return Result{Decision: DecisionSuppress, Reason: "cooldown"}, nil
	}

	return Result{Decision: DecisionAdmit}, nil
}

func (idx *Index) onCooldown(ctx context.Context, ruleName, source string, now time.Time) (bool, error) {
	val, err := idx.rdb.Get(ctx, cooldownKey(ruleName, source)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, ierrors.NewTransient("suppression.redis", err)
	}
	lastNotified, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, ierrors.NewPermanent("suppression.redis", err)
	}
	return now.Before(time.UnixMilli(lastNotified)), nil
}

// ArmCooldown is called when a notification is actually emitted for
// (ruleName, source) — never on mere admission, so an alert that never
// notifies never blocks re-admission of its rule+source.
func (idx *Index) ArmCooldown(ctx context.Context, ruleName, source string, severity types.Severity, now time.Time) error {
	d, ok := idx.cooldown[severity]
	if !ok {
		d = DefaultCooldown[types.SeverityWarning]
	}
	expireAt := now.Add(d)
	err := idx.rdb.Set(ctx, cooldownKey(ruleName, source), strconv.FormatInt(expireAt.UnixMilli(), 10), d).Err()
	if err != nil {
		return ierrors.NewTransient("suppression.redis", err)
	}
	return nil
}
