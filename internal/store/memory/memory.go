// Package memory implements the Store contract entirely in process memory.
// It backs unit tests and any deployment that embeds the engine without a
// database; it gives up durability across restarts in exchange for zero
// external dependencies.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

type entry struct {
	id      string
	version int64
	value   any
}

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	data map[store.Kind]map[string]*entry
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{data: make(map[store.Kind]map[string]*entry)}
}

func (s *Store) bucket(kind store.Kind) map[string]*entry {
	b, ok := s.data[kind]
	if !ok {
		b = make(map[string]*entry)
		s.data[kind] = b
	}
	return b
}

func (s *Store) Get(ctx context.Context, kind store.Kind, id string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[kind]
	if !ok {
		return nil, ierrors.ErrNotFound
	}
	e, ok := b[id]
	if !ok {
		return nil, ierrors.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) PutNew(ctx context.Context, kind store.Kind, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, version, err := identify(record)
	if err != nil {
		return err
	}
	b := s.bucket(kind)
	if _, exists := b[id]; exists {
		return ierrors.ErrAlreadyExists
	}
	if version != 0 {
		return errors.New("put_new: new record must have version 0")
	}
	b[id] = &entry{id: id, version: 1, value: withVersion(record, 1)}
	return nil
}

func (s *Store) Update(ctx context.Context, kind store.Kind, id string, expectedVersion int64, mutate store.Mutator) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[kind]
	if !ok {
		return nil, ierrors.ErrNotFound
	}
	e, ok := b[id]
	if !ok {
		return nil, ierrors.ErrNotFound
	}
	if e.version != expectedVersion {
		return nil, ierrors.ErrVersionMismatch
	}
	next, err := mutate(e.value)
	if err != nil {
		return nil, err
	}
	newVersion := e.version + 1
	e.value = withVersion(next, newVersion)
	e.version = newVersion
	return e.value, nil
}

func (s *Store) ScanIndex(ctx context.Context, kind store.Kind, index store.IndexName, r store.Range) (store.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.data[kind]
	items := make([]any, 0, len(b))
	for _, e := range b {
		items = append(items, e.value)
	}
	filtered := filterByIndex(index, r, items)
	return store.NewSliceIterator(filtered), nil
}

func (s *Store) DeleteExpired(ctx context.Context, kind store.Kind, before time.Time, retain func(any) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[kind]
	if !ok {
		return 0, nil
	}
	n := 0
	for id, e := range b {
		created, alwaysRetained := expiryOf(e.value)
		if alwaysRetained {
			continue
		}
		if !created.Before(before) {
			continue
		}
		if retain != nil && retain(e.value) {
			continue
		}
		delete(b, id)
		n++
	}
	return n, nil
}

func identify(record any) (id string, version int64, err error) {
	switch v := record.(type) {
	case types.Alert:
		return v.AlertID, v.Version, nil
	case types.NotificationJob:
		return v.JobID, v.Version, nil
	case types.RemediationExecution:
		return v.ExecID, v.Version, nil
	case types.Contact:
		return v.ContactID, 0, nil
	case types.Team:
		return v.TeamID, 0, nil
	case types.OnCallSchedule:
		return v.ScheduleID, 0, nil
	case types.EscalationRule:
		return v.RuleID, 0, nil
	case types.EscalationPolicy:
		return v.PolicyID, 0, nil
	case types.MaintenanceWindow:
		return v.WindowID, v.Version, nil
	case types.RemediationAction:
		return v.ActionID, 0, nil
	case types.HistoryEntry:
		return v.EntryID, 0, nil
	default:
		return "", 0, errors.New("memory store: unsupported record type")
	}
}

func withVersion(record any, version int64) any {
	switch v := record.(type) {
	case types.Alert:
		v.Version = version
		return v
	case types.NotificationJob:
		v.Version = version
		return v
	case types.RemediationExecution:
		v.Version = version
		return v
	case types.MaintenanceWindow:
		v.Version = version
		return v
	default:
		return record
	}
}

func expiryOf(record any) (created time.Time, alwaysRetain bool) {
	switch v := record.(type) {
	case types.Alert:
		return v.CreatedAt, false
	case types.NotificationJob:
		return v.CreatedAt, false
	case types.RemediationExecution:
		return v.CreatedAt, false
	case types.HistoryEntry:
		return v.CreatedAt, false
	default:
		return time.Time{}, true
	}
}

func filterByIndex(index store.IndexName, r store.Range, items []any) []any {
	var out []any
	switch index {
	case store.IndexAlertsByCorrelationKey:
		for _, it := range items {
			a := it.(types.Alert)
			if a.CorrelationKey == r.Exact {
				out = append(out, it)
			}
		}
	case store.IndexAlertsByStatus:
		for _, it := range items {
			a := it.(types.Alert)
			if string(a.Status) == r.Exact {
				out = append(out, it)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].(types.Alert).CreatedAt.Before(out[j].(types.Alert).CreatedAt)
		})
	case store.IndexAlertsByCreatedAt:
		for _, it := range items {
			a := it.(types.Alert)
			if withinRange(a.CreatedAt, r) {
				out = append(out, it)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].(types.Alert).CreatedAt.Before(out[j].(types.Alert).CreatedAt)
		})
	case store.IndexJobsByScheduledNotBefore:
		for _, it := range items {
			j := it.(types.NotificationJob)
			if withinRange(j.ScheduledNotBefore, r) {
				out = append(out, it)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].(types.NotificationJob).ScheduledNotBefore.Before(out[j].(types.NotificationJob).ScheduledNotBefore)
		})
	case store.IndexExecutionsByAlertID:
		for _, it := range items {
			e := it.(types.RemediationExecution)
			if e.AlertID == r.Exact {
				out = append(out, it)
			}
		}
	case store.IndexHistoryByAlertID:
		for _, it := range items {
			h := it.(types.HistoryEntry)
			if h.AlertID == r.Exact {
				out = append(out, it)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].(types.HistoryEntry).CreatedAt.Before(out[j].(types.HistoryEntry).CreatedAt)
		})
	case store.IndexHistoryByCreatedAt:
		for _, it := range items {
			h := it.(types.HistoryEntry)
			if withinRange(h.CreatedAt, r) {
				out = append(out, it)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].(types.HistoryEntry).CreatedAt.Before(out[j].(types.HistoryEntry).CreatedAt)
		})
	default:
		// No secondary index named: a full-kind scan, used for low-cardinality
		// collections like windows/schedules/contacts that have no index of
		// their own.
		out = items
	}
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out
}

func withinRange(t time.Time, r store.Range) bool {
	if r.From != "" {
		from, err := time.Parse(time.RFC3339Nano, r.From)
		if err == nil && t.Before(from) {
			return false
		}
	}
	if r.To != "" {
		to, err := time.Parse(time.RFC3339Nano, r.To)
		if err == nil && !t.Before(to) {
			return false
		}
	}
	return true
}
