// Package retention runs the periodic expiry sweep and the
// maintenance-window activation sweep on a configurable cron schedule via
// robfig/cron/v3.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/metrics"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Config tunes the sweep (mirrors internal/config.RetentionConfig so the
// package has no import-cycle dependency on the config loader itself).
type Config struct {
	Schedule                    string
	AlertRetentionDays          int
	ConstitutionalRetentionDays int
}

// WindowActivator is notified when a MaintenanceWindow transitions into or
// out of its active interval, so the Suppression Index can be kept in sync
// without every suppression lookup re-scanning the Windows kind.
type WindowActivator interface {
	SetActive(windowID string, active bool)
}

// Sweeper owns the cron schedule that runs Store.DeleteExpired across every
// retained Kind and refreshes maintenance-window activation state.
type Sweeper struct {
	st        store.Store
	clk       clock.Clock
	cfg       Config
	activator WindowActivator
	log       *zap.Logger
	cron      *cron.Cron
}

// New builds a Sweeper. activator may be nil if nothing needs window
// activation callbacks (e.g. a deployment whose Suppression Index re-reads
// windows directly on every lookup).
func New(st store.Store, clk clock.Clock, cfg Config, activator WindowActivator, log *zap.Logger) *Sweeper {
	return &Sweeper{st: st, clk: clk, cfg: cfg, activator: activator, log: log}
}

// Start schedules the sweep and returns once the cron entry is registered;
// the schedule itself runs in cron's own goroutine until Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunOnce runs a single expiry sweep plus a window activation pass; errors
// on one Kind don't block the others — one capability degrades at a time,
// never the whole engine. Exported so tests and an operator's
// manual-trigger endpoint can invoke a sweep without waiting on the cron
// schedule.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.clk.NowWall()
	alertCutoff := now.Add(-time.Duration(s.cfg.AlertRetentionDays) * 24 * time.Hour)
	constitutionalCutoff := now.Add(-time.Duration(s.cfg.ConstitutionalRetentionDays) * 24 * time.Hour)

	s.sweepKind(ctx, store.KindAlerts, alertCutoff, func(record any) bool {
		a := record.(types.Alert)
		return a.ConstitutionalFlag && a.CreatedAt.After(constitutionalCutoff)
	})
	s.sweepKind(ctx, store.KindExecutions, alertCutoff, func(record any) bool {
		e := record.(types.RemediationExecution)
		return e.ConstitutionalFlag && e.CreatedAt.After(constitutionalCutoff)
	})
	s.sweepKind(ctx, store.KindJobs, alertCutoff, func(record any) bool {
		j := record.(types.NotificationJob)
		return j.ConstitutionalFlag && j.CreatedAt.After(constitutionalCutoff)
	})
	// History gets the long constitutional window rather than the short
	// alert one, since history is what get_alert_history/
	// get_remediation_history replay from. HistoryEntry carries no
	// constitutional flag, so every entry, constitutional or not, is
	// deleted once it is older than constitutional_retention_days.
	s.sweepKind(ctx, store.KindHistory, constitutionalCutoff, nil)

	s.activateWindows(ctx, now)
}

func (s *Sweeper) sweepKind(ctx context.Context, kind store.Kind, before time.Time, retain func(any) bool) {
	n, err := s.st.DeleteExpired(ctx, kind, before, retain)
	if err != nil {
		s.log.Warn("retention: sweep failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	metrics.RecordRetentionSwept(string(kind), n)
	if n > 0 {
		s.log.Info("retention: swept expired records", zap.String("kind", string(kind)), zap.Int("count", n))
	}
}

func (s *Sweeper) activateWindows(ctx context.Context, now time.Time) {
	if s.activator == nil {
		return
	}
	it, err := s.st.ScanIndex(ctx, store.KindWindows, "", store.Range{})
	if err != nil {
		s.log.Warn("retention: window scan failed", zap.Error(err))
		return
	}
	defer it.Close()
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			s.log.Warn("retention: window scan iteration failed", zap.Error(err))
			return
		}
		if !ok {
			break
		}
		w := v.(types.MaintenanceWindow)
		s.activator.SetActive(w.WindowID, w.Active(now))
	}
}
