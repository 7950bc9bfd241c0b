// Package store defines the durable Store contract and its
// implementations: a Postgres-backed production store and an in-memory fake
// used by tests and by components that embed the engine without a database.
package store

import (
	"context"
	"time"
)

// Kind names a Store-managed entity collection.
type Kind string

const (
	KindAlerts             Kind = "alerts"
	KindContacts           Kind = "contacts"
	KindTeams              Kind = "teams"
	KindSchedules          Kind = "schedules"
	KindRules              Kind = "rules"
	KindPolicies           Kind = "policies"
	KindWindows            Kind = "windows"
	KindJobs               Kind = "jobs"
	KindActions            Kind = "actions"
	KindExecutions         Kind = "executions"
	KindHistory            Kind = "history"
)

// IndexName names a secondary index a Kind supports.
type IndexName string

const (
	IndexAlertsByCorrelationKey IndexName = "alerts.correlation_key"
	IndexAlertsByStatus         IndexName = "alerts.status"
	IndexAlertsByCreatedAt      IndexName = "alerts.created_at"
	IndexJobsByScheduledNotBefore IndexName = "jobs.scheduled_not_before"
	IndexExecutionsByAlertID    IndexName = "executions.alert_id"
	IndexHistoryByAlertID       IndexName = "history.alert_id"
	IndexHistoryByCreatedAt     IndexName = "history.created_at"
)

// Range bounds a scan_index query. A zero-value field means "unbounded" on
// that side. Exact requests an equality match instead of a range.
type Range struct {
	Exact string
	From  string
	To    string
	Limit int
}

// Record is the minimal shape every Store-managed value has: an opaque ID and
// a monotonic version used for conditional updates.
type Record interface {
	RecordID() string
	RecordVersion() int64
}

// Mutator transforms the current value of a record during Update; it returns
// the new value to persist. Mutators are pure functions of (event, latest
// state) so replay after a version_mismatch is safe.
type Mutator func(current any) (next any, err error)

// Store is the durable CRUD contract every persistence backend implements.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) (any, error)
	PutNew(ctx context.Context, kind Kind, record any) error
	Update(ctx context.Context, kind Kind, id string, expectedVersion int64, mutate Mutator) (any, error)
	ScanIndex(ctx context.Context, kind Kind, index IndexName, r Range) (Iterator, error)
	// DeleteExpired removes records of kind older than before, except any
	// for which retain reports true — used to give constitutional-flagged
	// Alerts and RemediationExecutions a longer retention window than the
	// rest of the kind. retain may be nil, meaning no record is
	// spared regardless of flag.
	DeleteExpired(ctx context.Context, kind Kind, before time.Time, retain func(record any) bool) (int, error)
}

// Iterator walks scan results lazily; implementations may return a stale
// snapshot: entries written after the scan started may be missed, so
// pollers must not depend on real-time visibility.
type Iterator interface {
	Next(ctx context.Context) (any, bool, error)
	Close() error
}

// sliceIterator adapts a pre-fetched slice to Iterator, used by the
// in-memory store and convenient for tests.
type sliceIterator struct {
	items []any
	pos   int
}

func NewSliceIterator(items []any) Iterator { return &sliceIterator{items: items} }

func (s *sliceIterator) Next(ctx context.Context) (any, bool, error) {
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	v := s.items[s.pos]
	s.pos++
	return v, true, nil
}

func (s *sliceIterator) Close() error { return nil }
