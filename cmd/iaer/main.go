// Command iaer wires the Intelligent Alerting, Escalation & Automated
// Remediation Engine's components together and runs them until signalled to
// stop. The core is host-agnostic: this binary is one
// possible embedding, not a prescribed HTTP/CLI surface — every capability
// wired here (acknowledge_alert, resolve_alert, get_alert_history, ...) is reachable
// as a plain Go call on the types this package constructs.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/audit"
	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/config"
	"github.com/constitutional-mesh/iaer/internal/control"
	"github.com/constitutional-mesh/iaer/internal/escalation"
	"github.com/constitutional-mesh/iaer/internal/escalation/policy"
	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/metrics"
	"github.com/constitutional-mesh/iaer/internal/notification"
	"github.com/constitutional-mesh/iaer/internal/notification/channel"
	"github.com/constitutional-mesh/iaer/internal/notification/ratelimit"
	"github.com/constitutional-mesh/iaer/internal/oncall"
	"github.com/constitutional-mesh/iaer/internal/remediation"
	"github.com/constitutional-mesh/iaer/internal/retention"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/internal/store/memory"
	iaerpostgres "github.com/constitutional-mesh/iaer/internal/store/postgres"
	"github.com/constitutional-mesh/iaer/internal/suppression"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

func main() {
	configPath := flag.String("config", "/etc/iaer/config.yaml", "path to the IAER YAML configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address the Prometheus /metrics handler listens on")
	controlAddr := flag.String("control-addr", ":8085", "address the control API listens on")
	flag.Parse()

	bootLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	watcher, err := config.NewWatcher(*configPath, bootLog)
	if err != nil {
		bootLog.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg := watcher.Current()

	log := mustLogger(cfg.Logging)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := mustStore(ctx, cfg, log)
	idMinter := ids.NewReal()
	clk := clock.NewReal()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Suppression.RedisAddr})
	suppress := suppression.New(rdb, suppression.NewStoreWindows(st), suppression.NewStoreAlerts(st), cooldownOverrides(cfg))

	onCall := oncall.New(oncall.NewStoreTeamStore(st), cfg.OnCall.DefaultContactID)

	policyModule := cfg.Escalation.PolicyModule
	if policyModule == "" {
		policyModule = policy.DefaultModule
	}
	policyEval, err := policy.NewEvaluator(ctx, policyModule)
	if err != nil {
		log.Fatal("failed to compile escalation policy", zap.Error(err))
	}

	recorder := audit.New(st, idMinter, zapr.NewLogger(log))

	dispatchResults := make(chan notification.Result, 256)
	dispatcher := mustDispatcher(cfg, st, clk, idMinter, log, dispatchResults)
	dispatcher.Start(ctx)

	remediationTable, allowedLabelKeys := mustRemediationTable(ctx, st, cfg, log)

	remediationResults := make(chan remediation.Result, 64)
	killswitch := func() bool { return watcher.Current().Executor.RemediationGlobalKillswitch }
	executor := remediation.New(remediation.Config{
		Workers:                  cfg.Executor.Workers,
		BaseBackoff:              cfg.Executor.BaseBackoff,
		MaxBackoff:               cfg.Executor.MaxBackoff,
		AllowedLabelKeysByAction: allowedLabelKeys,
	}, clk, remediation.NewProcessRunner(), killswitch, log, remediationResults)

	defs := escalation.NewStoreDefinitions(st, remediationTable)

	engine := escalation.New(
		escalation.Config{
			Partitions:                cfg.Escalation.Partitions,
			QueueCapacity:             cfg.Escalation.IngressQueueCapacity,
			MaxEscalationLevel:        cfg.Escalation.MaxEscalationLevel,
			StoreBackoffBase:          cfg.Store.BackoffBase,
			StoreBackoffMax:           cfg.Store.BackoffMax,
			StoreUnavailableThreshold: cfg.Store.UnavailableThreshold,
		},
		st, clk, idMinter, suppress, onCall, defs, dispatcher, executor, policyEval, log,
		cfg.Escalation.DefaultPolicyID, cfg.Escalation.ConstitutionalPolicyID,
	)
	engine.SetHistory(recorder)
	engine.Start(ctx)

	go bridgeNotificationResults(ctx, engine, dispatchResults, log)
	go bridgeRemediationResults(ctx, engine, remediationResults, log)

	surface := control.New(engine, st, suppress, recorder, clk, log)
	controlSrv := &http.Server{Addr: *controlAddr, Handler: controlRouter(surface, log)}
	go func() {
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control server stopped unexpectedly", zap.Error(err))
		}
	}()

	sweeper := retention.New(st, clk, retention.Config{
		Schedule:                    cfg.Retention.Schedule,
		AlertRetentionDays:          cfg.Retention.AlertRetentionDays,
		ConstitutionalRetentionDays: cfg.Retention.ConstitutionalRetentionDays,
	}, nil, log)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("failed to start retention sweeper", zap.Error(err))
	}

	if err := watcher.Start(); err != nil {
		log.Fatal("failed to start config watcher", zap.Error(err))
	}

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()

	log.Info("iaer started",
		zap.String("config", *configPath),
		zap.String("metrics_addr", *metricsAddr),
		zap.String("control_addr", *controlAddr))
	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	controlSrv.Shutdown(shutdownCtx)
	sweeper.Stop()
	dispatcher.Stop()
	executor.Wait()
	metricsSrv.Shutdown(shutdownCtx)
	watcher.Stop()
}

func mustLogger(cfg config.LoggingConfig) *zap.Logger {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err == nil {
			zc.Level = lvl
		}
	}
	log, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func mustStore(ctx context.Context, cfg *config.Config, log *zap.Logger) store.Store {
	if cfg.Store.DSN == "" {
		log.Warn("store.dsn not set, using in-memory store (no durability across restarts)")
		return memory.New()
	}
	pg, err := iaerpostgres.Open(iaerpostgres.Config{
		DSN:             cfg.Store.DSN,
		BreakerTimeout:  cfg.Store.BackoffMax,
		BreakerInterval: cfg.Store.BackoffBase,
	})
	if err != nil {
		log.Fatal("failed to connect to postgres store", zap.Error(err))
	}
	if err := pg.Migrate(); err != nil {
		log.Fatal("failed to apply store migrations", zap.Error(err))
	}
	return pg
}

func mustDispatcher(cfg *config.Config, st store.Store, clk clock.Clock, idMinter ids.Minter, log *zap.Logger, results chan<- notification.Result) *notification.Dispatcher {
	channels := channel.NewRegistry(mustChannels(cfg)...)
	limiter := ratelimit.NewRegistry()
	for _, c := range channels.All() {
		capacity, refill := c.RateLimit()
		limiter.Configure(c.Kind(), capacity, refill)
	}
	renderer, err := notification.NewStaticRenderer(cfg.Channels.Templates)
	if err != nil {
		log.Fatal("failed to compile notification templates", zap.Error(err))
	}
	addresses := notification.NewStoreAddressResolver(st)

	constitutionalWorkers := int(float64(cfg.Dispatcher.Workers) * cfg.Dispatcher.ConstitutionalChannelPartitionFraction)
	if constitutionalWorkers < 1 {
		constitutionalWorkers = 1
	}
	return notification.New(notification.Config{
		Workers:               cfg.Dispatcher.Workers,
		ConstitutionalWorkers: constitutionalWorkers,
		MaxAttempts:           cfg.Dispatcher.MaxAttempts,
		BaseBackoff:           cfg.Dispatcher.BaseBackoff,
		MaxBackoff:            cfg.Dispatcher.MaxBackoff,
		PerJobDeadline:        cfg.Dispatcher.PerJobDeadline,
		ChannelSendTimeout:    cfg.Dispatcher.ChannelSendTimeout,
	}, clk, channels, limiter, renderer, addresses, idMinter, log, results)
}

func mustChannels(cfg *config.Config) []channel.Channel {
	var chans []channel.Channel
	if cfg.Channels.SlackToken != "" {
		chans = append(chans, channel.NewSlack(cfg.Channels.SlackToken, &http.Client{Timeout: cfg.Channels.WebhookTimeout}))
	}
	chans = append(chans, channel.NewWebhook(&http.Client{Timeout: cfg.Channels.WebhookTimeout}))
	if cfg.Channels.FileDir != "" {
		chans = append(chans, channel.NewFile(cfg.Channels.FileDir))
	}
	return chans
}

func cooldownOverrides(cfg *config.Config) map[types.Severity]time.Duration {
	if len(cfg.Suppression.DefaultCooldownPerSeverity) == 0 {
		return nil
	}
	out := make(map[types.Severity]time.Duration, len(cfg.Suppression.DefaultCooldownPerSeverity))
	for k, v := range cfg.Suppression.DefaultCooldownPerSeverity {
		out[types.Severity(k)] = v
	}
	return out
}

// mustRemediationTable resolves each configured (rule_name, severity) ->
// action_id mapping against the Store at startup, so a typo'd action_id —
// or a command template referencing a placeholder outside the allowed set —
// fails fast instead of silently misbehaving at runtime.
func mustRemediationTable(ctx context.Context, st store.Store, cfg *config.Config, log *zap.Logger) (map[string]types.RemediationAction, map[string][]string) {
	table := make(map[string]types.RemediationAction, len(cfg.RemediationMappings))
	allowedKeys := make(map[string][]string, len(cfg.RemediationMappings))
	for _, m := range cfg.RemediationMappings {
		v, err := st.Get(ctx, store.KindActions, m.ActionID)
		if err != nil {
			log.Fatal("remediation mapping references unknown action",
				zap.String("rule_name", m.RuleName), zap.String("severity", m.Severity), zap.String("action_id", m.ActionID), zap.Error(err))
		}
		action := v.(types.RemediationAction)
		if err := remediation.ValidatePlaceholders(action.CommandTemplate, m.AllowedLabelKeys); err != nil {
			log.Fatal("remediation action command template is misconfigured",
				zap.String("action_id", m.ActionID), zap.Error(err))
		}
		table[m.RuleName+":"+m.Severity] = action
		allowedKeys[m.ActionID] = m.AllowedLabelKeys
	}
	return table, allowedKeys
}

func bridgeNotificationResults(ctx context.Context, engine *escalation.Engine, results <-chan notification.Result, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			kind := types.EventNotificationDelivered
			status := "delivered"
			switch {
			case r.Cancelled:
				kind = types.EventNotificationFailed
				status = "cancelled"
			case !r.Delivered:
				kind = types.EventNotificationFailed
				status = "failed"
			}
			metrics.RecordNotificationOutcome(string(r.Channel), status, r.EnqueuedAt)
			if err := engine.Submit(types.Event{
				Kind:                  kind,
				AlertID:               r.AlertID,
				Timestamp:             time.Now(),
				NotificationJobID:     r.JobID,
				NotificationErr:       r.Err,
				NotificationCancelled: r.Cancelled,
			}); err != nil {
				log.Warn("dropped notification result: ingress queue full", zap.String("job_id", r.JobID), zap.Error(err))
			}
		}
	}
}

func bridgeRemediationResults(ctx context.Context, engine *escalation.Engine, results <-chan remediation.Result, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			metrics.RecordRemediationOutcome(r.ActionID, string(r.Status), r.Duration)
			var startedAt *time.Time
			if !r.StartedAt.IsZero() {
				t := r.StartedAt
				startedAt = &t
			}
			if err := engine.Submit(types.Event{
				Kind:                  types.EventRemediationResult,
				AlertID:               r.AlertID,
				Timestamp:             time.Now(),
				RemediationExecID:     r.ExecID,
				RemediationStatus:     r.Status,
				RemediationExitCode:   r.ExitCode,
				RemediationStdoutTail: r.StdoutTail,
				RemediationStderrTail: r.StderrTail,
				RemediationStartedAt:  startedAt,
			}); err != nil {
				log.Warn("dropped remediation result: ingress queue full", zap.String("exec_id", r.ExecID), zap.Error(err))
			}
		}
	}
}
