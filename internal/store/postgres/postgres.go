// Package postgres implements store.Store against PostgreSQL using
// jackc/pgx/v5 as the driver and jmoiron/sqlx for scanning, wrapped in a
// sony/gobreaker circuit so a sustained outage trips to "unavailable"
// instead of retrying the caller into the ground.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *sqlx.DB
	cb *gobreaker.CircuitBreaker
}

// Config configures the breaker guarding the connection.
type Config struct {
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// Open connects to Postgres and wraps it with a circuit breaker named
// "store-postgres", tripping after a majority of the last few requests fail
//.
func Open(cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, ierrors.NewTransient("store.postgres.open", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-postgres",
		MaxRequests: orDefault(cfg.BreakerMaxRequests, 3),
		Interval:    orDefaultDur(cfg.BreakerInterval, time.Minute),
		Timeout:     orDefaultDur(cfg.BreakerTimeout, 30*time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &Store{db: db, cb: cb}, nil
}

func orDefault(v, d uint32) uint32 {
	if v == 0 {
		return d
	}
	return v
}

func orDefaultDur(v, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return v
}

func (s *Store) call(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ierrors.NewTransient("store.postgres", ierrors.ErrUnavailable)
		}
		return nil, err
	}
	return v, nil
}

// row is the wire shape persisted for every kind: an opaque id, a version,
// and a JSON payload. Secondary indexes are promoted columns populated from
// the payload at write time so ScanIndex can use ordinary SQL predicates.
type row struct {
	ID             string    `db:"id"`
	Version        int64     `db:"version"`
	Payload        []byte    `db:"payload"`
	CorrelationKey string    `db:"correlation_key"`
	Status         string    `db:"status"`
	AlertID        string    `db:"alert_id"`
	CreatedAt      time.Time `db:"created_at"`
	ScheduledNotBefore time.Time `db:"scheduled_not_before"`
}

func tableFor(kind store.Kind) string {
	return "iaer_" + string(kind)
}

func (s *Store) Get(ctx context.Context, kind store.Kind, id string) (any, error) {
	v, err := s.call(func() (any, error) {
		var r row
		err := s.db.GetContext(ctx, &r, "SELECT id, version, payload FROM "+tableFor(kind)+" WHERE id = $1", id)
		if err == sql.ErrNoRows {
			return nil, ierrors.ErrNotFound
		}
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.get", err)
		}
		return decode(kind, r)
	})
	return v, err
}

func (s *Store) PutNew(ctx context.Context, kind store.Kind, record any) error {
	_, err := s.call(func() (any, error) {
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, ierrors.NewPermanent("store.postgres.putnew", err)
		}
		id, idxCols, idxVals := indexColumns(kind, record)
		cols := append([]string{"id", "version", "payload"}, idxCols...)
		placeholders := make([]string, len(cols))
		args := append([]any{id, 1, payload}, idxVals...)
		for i := range cols {
			placeholders[i] = "$" + itoa(i+1)
		}
		q := "INSERT INTO " + tableFor(kind) + " (" + join(cols) + ") VALUES (" + join(placeholders) + ")"
		_, err = s.db.ExecContext(ctx, q, args...)
		if isUniqueViolation(err) {
			return nil, ierrors.ErrAlreadyExists
		}
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.putnew", err)
		}
		return nil, nil
	})
	return err
}

func (s *Store) Update(ctx context.Context, kind store.Kind, id string, expectedVersion int64, mutate store.Mutator) (any, error) {
	return s.call(func() (any, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.update", err)
		}
		defer tx.Rollback()

		var r row
		err = tx.GetContext(ctx, &r, "SELECT id, version, payload FROM "+tableFor(kind)+" WHERE id = $1 FOR UPDATE", id)
		if err == sql.ErrNoRows {
			return nil, ierrors.ErrNotFound
		}
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.update", err)
		}
		if r.Version != expectedVersion {
			return nil, ierrors.ErrVersionMismatch
		}
		current, err := decode(kind, r)
		if err != nil {
			return nil, err
		}
		next, err := mutate(current)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return nil, ierrors.NewPermanent("store.postgres.update", err)
		}
		newVersion := r.Version + 1
		_, idxCols, idxVals := indexColumns(kind, next)
		set := "version = $2, payload = $3"
		args := []any{id, newVersion, payload}
		for i, c := range idxCols {
			set += ", " + c + " = $" + itoa(4+i)
			args = append(args, idxVals[i])
		}
		res, err := tx.ExecContext(ctx, "UPDATE "+tableFor(kind)+" SET "+set+" WHERE id = $1 AND version = $2-1", args...)
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil, ierrors.NewInvariantViolation("conditional-update", "update affected zero rows after the version check passed")
		}
		if err := tx.Commit(); err != nil {
			return nil, ierrors.NewTransient("store.postgres.update", err)
		}
		return next, nil
	})
}

func (s *Store) ScanIndex(ctx context.Context, kind store.Kind, index store.IndexName, r store.Range) (store.Iterator, error) {
	v, err := s.call(func() (any, error) {
		col, query, args := scanQuery(kind, index, r)
		_ = col
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.scanindex", err)
		}
		defer rows.Close()
		var items []any
		for rows.Next() {
			var rr row
			if err := rows.StructScan(&rr); err != nil {
				return nil, ierrors.NewTransient("store.postgres.scanindex", err)
			}
			v, err := decode(kind, rr)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return store.NewSliceIterator(items), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Iterator), nil
}

// DeleteExpired cannot evaluate retain in SQL, since it is an arbitrary Go
// closure over the decoded record (retention keys off a constitutional
// flag nested in the JSON payload). It instead selects every row older than
// before, decodes each one, and deletes only the ids retain does not spare,
// batched into a single statement.
func (s *Store) DeleteExpired(ctx context.Context, kind store.Kind, before time.Time, retain func(any) bool) (int, error) {
	v, err := s.call(func() (any, error) {
		var rows []row
		err := s.db.SelectContext(ctx, &rows,
			"SELECT id, version, payload, created_at FROM "+tableFor(kind)+" WHERE created_at < $1", before)
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.deleteexpired.select", err)
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			rec, err := decode(kind, r)
			if err != nil {
				return nil, err
			}
			if retain != nil && retain(rec) {
				continue
			}
			ids = append(ids, r.ID)
		}
		if len(ids) == 0 {
			return 0, nil
		}
		query, args, err := sqlx.In("DELETE FROM "+tableFor(kind)+" WHERE id IN (?)", ids)
		if err != nil {
			return nil, ierrors.NewPermanent("store.postgres.deleteexpired.in", err)
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return nil, ierrors.NewTransient("store.postgres.deleteexpired.delete", err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func decode(kind store.Kind, r row) (any, error) {
	var out any
	switch kind {
	case store.KindAlerts:
		var a types.Alert
		if err := json.Unmarshal(r.Payload, &a); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		a.Version = r.Version
		out = a
	case store.KindJobs:
		var j types.NotificationJob
		if err := json.Unmarshal(r.Payload, &j); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		j.Version = r.Version
		out = j
	case store.KindExecutions:
		var e types.RemediationExecution
		if err := json.Unmarshal(r.Payload, &e); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		e.Version = r.Version
		out = e
	case store.KindContacts:
		var c types.Contact
		if err := json.Unmarshal(r.Payload, &c); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = c
	case store.KindTeams:
		var t types.Team
		if err := json.Unmarshal(r.Payload, &t); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = t
	case store.KindSchedules:
		var s types.OnCallSchedule
		if err := json.Unmarshal(r.Payload, &s); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = s
	case store.KindRules:
		var rl types.EscalationRule
		if err := json.Unmarshal(r.Payload, &rl); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = rl
	case store.KindPolicies:
		var p types.EscalationPolicy
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = p
	case store.KindWindows:
		var w types.MaintenanceWindow
		if err := json.Unmarshal(r.Payload, &w); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		w.Version = r.Version
		out = w
	case store.KindActions:
		var a types.RemediationAction
		if err := json.Unmarshal(r.Payload, &a); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = a
	case store.KindHistory:
		var h types.HistoryEntry
		if err := json.Unmarshal(r.Payload, &h); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
		out = h
	default:
		if err := json.Unmarshal(r.Payload, &out); err != nil {
			return nil, ierrors.NewPermanent("store.postgres.decode", err)
		}
	}
	return out, nil
}

func indexColumns(kind store.Kind, record any) (id string, cols []string, vals []any) {
	switch kind {
	case store.KindAlerts:
		a := record.(types.Alert)
		return a.AlertID, []string{"correlation_key", "status", "created_at"}, []any{a.CorrelationKey, string(a.Status), a.CreatedAt}
	case store.KindJobs:
		j := record.(types.NotificationJob)
		return j.JobID, []string{"alert_id", "scheduled_not_before", "created_at"}, []any{j.AlertID, j.ScheduledNotBefore, j.CreatedAt}
	case store.KindExecutions:
		e := record.(types.RemediationExecution)
		return e.ExecID, []string{"alert_id", "created_at"}, []any{e.AlertID, e.CreatedAt}
	case store.KindHistory:
		h := record.(types.HistoryEntry)
		return h.EntryID, []string{"alert_id", "created_at"}, []any{h.AlertID, h.CreatedAt}
	default:
		return "", nil, nil
	}
}

func scanQuery(kind store.Kind, index store.IndexName, r store.Range) (col, query string, args []any) {
	table := tableFor(kind)
	switch index {
	case store.IndexAlertsByCorrelationKey:
		return "correlation_key", "SELECT id, version, payload FROM " + table + " WHERE correlation_key = $1", []any{r.Exact}
	case store.IndexAlertsByStatus:
		return "status", "SELECT id, version, payload FROM " + table + " WHERE status = $1 ORDER BY created_at", []any{r.Exact}
	case store.IndexAlertsByCreatedAt:
		return "created_at", "SELECT id, version, payload FROM " + table + " WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at", []any{r.From, r.To}
	case store.IndexJobsByScheduledNotBefore:
		return "scheduled_not_before", "SELECT id, version, payload FROM " + table + " WHERE scheduled_not_before <= $1 ORDER BY scheduled_not_before", []any{r.To}
	case store.IndexExecutionsByAlertID:
		return "alert_id", "SELECT id, version, payload FROM " + table + " WHERE alert_id = $1", []any{r.Exact}
	case store.IndexHistoryByAlertID:
		return "alert_id", "SELECT id, version, payload FROM " + table + " WHERE alert_id = $1 ORDER BY created_at", []any{r.Exact}
	case store.IndexHistoryByCreatedAt:
		return "created_at", "SELECT id, version, payload FROM " + table + " WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at", []any{r.From, r.To}
	default:
		return "", "SELECT id, version, payload FROM " + table, nil
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx reports unique_violation as SQLSTATE 23505; the stdlib driver
	// surfaces it through pgconn.PgError which this package intentionally
	// avoids importing directly to keep the error classification narrow and
	// testable without a live connection.
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

func join(ss []string) string {
	return strings.Join(ss, ", ")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
