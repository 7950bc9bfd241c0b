// Package escalation implements the Escalation Engine: the
// Alert state machine, the escalation cursor, and the remediation mapping
// that drives the Dispatcher and Executor. Each alert's events are
// serialized onto one of a fixed set of hash-sharded partitions so no two
// events for the same alert_id are ever processed concurrently, while
// different alerts progress fully in parallel.
package escalation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	goerrors "errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/escalation/policy"
	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/metrics"
	"github.com/constitutional-mesh/iaer/internal/oncall"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/internal/suppression"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// JobEnqueuer is the Dispatcher's inbound contract, as the Engine sees it.
type JobEnqueuer interface {
	Enqueue(job types.NotificationJob)
	Cancel(jobID string)
}

// RemediationLauncher is the Executor's inbound contract, as the Engine sees it.
type RemediationLauncher interface {
	Launch(ctx context.Context, exec types.RemediationExecution, action types.RemediationAction, rctx types.RemediationContext)
	Cancel(execID string)
}

// History receives the audit trail the Engine produces: one call per alert
// state transition and per terminal job/execution outcome. The audit
// recorder satisfies it; a nil history is replaced with a no-op.
type History interface {
	AlertTransition(ctx context.Context, alertID string, from, to types.AlertStatus, at time.Time)
	NotificationOutcome(ctx context.Context, job types.NotificationJob, at time.Time)
	RemediationOutcome(ctx context.Context, exec types.RemediationExecution, at time.Time)
}

type noopHistory struct{}

func (noopHistory) AlertTransition(context.Context, string, types.AlertStatus, types.AlertStatus, time.Time) {
}
func (noopHistory) NotificationOutcome(context.Context, types.NotificationJob, time.Time) {}
func (noopHistory) RemediationOutcome(context.Context, types.RemediationExecution, time.Time) {}

// Config tunes the Engine's partitioning, escalation ceiling, and the
// degraded-path backoff applied when the Store reports unavailable.
type Config struct {
	Partitions         int
	QueueCapacity      int
	MaxEscalationLevel int

	StoreBackoffBase          time.Duration
	StoreBackoffMax           time.Duration
	StoreUnavailableThreshold int
}

// ErrQueueFull is returned by Submit when the target partition's queue is
// saturated; ingress sheds explicitly rather than blocking.
var ErrQueueFull = goerrors.New("escalation: ingress queue full")

// Engine is the decision core.
type Engine struct {
	cfg        Config
	store      store.Store
	clock      clock.Clock
	ids        ids.Minter
	suppress   *suppression.Index
	oncall     *oncall.Resolver
	defs       Definitions
	dispatcher JobEnqueuer
	executor   RemediationLauncher
	policyEval *policy.Evaluator
	log        *zap.Logger

	defaultPolicy        string
	constitutionalPolicy string

	hist History

	partitions []chan types.Event

	mu            sync.Mutex
	timers        map[string]clock.Handle
	outstanding   map[string][]string // alert_id -> job ids currently outstanding
	storeFailures map[string]int      // alert_id -> consecutive Store transport failures
	degraded      map[string]bool     // alert_id -> annotate Degraded on next successful write
}

// New builds an Engine. defaultPolicyID and constitutionalPolicyID select the
// policy a freshly admitted alert starts on. Call Start to launch its partition workers.
func New(cfg Config, st store.Store, clk clock.Clock, idMinter ids.Minter, suppress *suppression.Index, onc *oncall.Resolver, defs Definitions, dispatcher JobEnqueuer, executor RemediationLauncher, policyEval *policy.Evaluator, log *zap.Logger, defaultPolicyID, constitutionalPolicyID string) *Engine {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.StoreBackoffBase <= 0 {
		cfg.StoreBackoffBase = 500 * time.Millisecond
	}
	if cfg.StoreBackoffMax <= 0 {
		cfg.StoreBackoffMax = 30 * time.Second
	}
	if cfg.StoreUnavailableThreshold <= 0 {
		cfg.StoreUnavailableThreshold = 5
	}
	e := &Engine{
		cfg:                  cfg,
		store:                st,
		clock:                clk,
		ids:                  idMinter,
		suppress:             suppress,
		oncall:               onc,
		defs:                 defs,
		dispatcher:           dispatcher,
		executor:             executor,
		policyEval:           policyEval,
		log:                  log,
		defaultPolicy:        defaultPolicyID,
		constitutionalPolicy: constitutionalPolicyID,
		hist:                 noopHistory{},
		timers:               make(map[string]clock.Handle),
		outstanding:          make(map[string][]string),
		storeFailures:        make(map[string]int),
		degraded:             make(map[string]bool),
	}
	e.partitions = make([]chan types.Event, cfg.Partitions)
	for i := range e.partitions {
		e.partitions[i] = make(chan types.Event, cfg.QueueCapacity)
	}
	return e
}

// SetHistory installs the audit trail sink. Call before Start.
func (e *Engine) SetHistory(h History) {
	if h == nil {
		h = noopHistory{}
	}
	e.hist = h
}

// Start launches one goroutine per partition. It returns once all are
// running; they exit when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for i := range e.partitions {
		go e.runPartition(ctx, e.partitions[i])
	}
}

func (e *Engine) runPartition(ctx context.Context, ch chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			e.handle(ctx, ev)
		}
	}
}

// Submit admits an event into the Engine's event loop. Events for the same
// alert_id (or, for ingress, the same correlation key) always land on the
// same partition, so handling stays totally ordered per alert.
func (e *Engine) Submit(ev types.Event) error {
	key := ev.AlertID
	if ev.Kind == types.EventIngressAlert && ev.Ingress != nil {
		key = correlationKey(*ev.Ingress)
	}
	p := e.partitions[partitionFor(key, len(e.partitions))]
	select {
	case p <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

var tracer = otel.Tracer("iaer/escalation")

func (e *Engine) handle(ctx context.Context, ev types.Event) {
	ctx, span := tracer.Start(ctx, "escalation.handle",
		trace.WithAttributes(attribute.String("alert_id", ev.AlertID), attribute.String("event_kind", string(ev.Kind))))
	defer span.End()

	switch ev.Kind {
	case types.EventIngressAlert:
		e.handleIngress(ctx, ev)
	case types.EventAck:
		e.handleExistingAlert(ctx, ev, decideAck)
	case types.EventResolve:
		e.handleExistingAlert(ctx, ev, decideResolve)
	case types.EventTimer:
		e.handleExistingAlert(ctx, ev, decideTimer)
	case types.EventRemediationResult:
		e.handleRemediationResult(ctx, ev)
	case types.EventApprovalDecision:
		e.handleApprovalDecision(ctx, ev)
	case types.EventNotificationDelivered, types.EventNotificationFailed:
		e.handleNotificationResult(ctx, ev)
	default:
		e.log.Warn("escalation: unhandled event kind", zap.String("kind", string(ev.Kind)))
	}
}

// decideFunc is a pure function of (current alert, event, now, definitions);
// it returns the alert's next state and the effects to apply once that
// state commits. Returning a nil alert means "no-op, drop the event" (a
// stale timer, an event on a terminal alert).
type decideFunc func(ctx context.Context, e *Engine, alert *types.Alert, ev types.Event, now time.Time) (*types.Alert, effects, error)

// handleExistingAlert runs decide, commits it with optimistic concurrency,
// and replays decide from fresh state on a version_mismatch — safe because
// decide is a pure function of (event, latest state). A Store transport
// failure reschedules the event with backoff instead of dropping it; after a
// sustained run the alert is annotated degraded on its next successful write.
func (e *Engine) handleExistingAlert(ctx context.Context, ev types.Event, decide decideFunc) {
	for {
		cur, err := e.store.Get(ctx, store.KindAlerts, ev.AlertID)
		if err != nil {
			if goerrors.Is(err, ierrors.ErrNotFound) {
				return
			}
			e.storeFailed(ctx, ev, "get", err)
			return
		}
		stored, ok := cur.(types.Alert)
		if !ok {
			e.log.Error("escalation: store returned non-alert value", zap.String("alert_id", ev.AlertID))
			return
		}
		alert := &stored
		now := e.clock.NowWall()
		next, eff, err := decide(ctx, e, alert, ev, now)
		if err != nil {
			e.log.Error("escalation: decide failed", zap.String("alert_id", ev.AlertID), zap.String("event", string(ev.Kind)), zap.Error(err))
			return
		}
		if next == nil {
			return
		}
		e.mu.Lock()
		if e.degraded[ev.AlertID] {
			next.Degraded = true
		}
		e.mu.Unlock()
		committed, err := e.store.Update(ctx, store.KindAlerts, ev.AlertID, alert.Version, func(any) (any, error) { return *next, nil })
		if goerrors.Is(err, ierrors.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			e.storeFailed(ctx, ev, "update", err)
			return
		}
		e.storeRecovered(ev.AlertID)
		committedAlert := committed.(types.Alert)
		if committedAlert.Status != alert.Status {
			e.hist.AlertTransition(ctx, ev.AlertID, alert.Status, committedAlert.Status, now)
		}
		e.applyEffects(ctx, &committedAlert, eff)
		return
	}
}

// storeFailed accounts one Store transport failure for the event's alert,
// reschedules the event with exponential backoff so it is not lost, and —
// past the configured threshold — flags the alert for a degraded annotation.
// Non-transient errors are logged and dropped: replaying them would fail the
// same way every time.
func (e *Engine) storeFailed(ctx context.Context, ev types.Event, op string, err error) {
	if !ierrors.IsTransient(err) {
		e.log.Error("escalation: store "+op+" failed", zap.String("alert_id", ev.AlertID), zap.Error(err))
		return
	}
	metrics.RecordStoreRetry("engine." + op)

	e.mu.Lock()
	e.storeFailures[ev.AlertID]++
	n := e.storeFailures[ev.AlertID]
	if n >= e.cfg.StoreUnavailableThreshold {
		e.degraded[ev.AlertID] = true
	}
	e.mu.Unlock()

	backoff := e.cfg.StoreBackoffBase << uint(min(n-1, 6))
	if backoff > e.cfg.StoreBackoffMax {
		backoff = e.cfg.StoreBackoffMax
	}
	e.log.Warn("escalation: store unavailable, rescheduling event",
		zap.String("alert_id", ev.AlertID), zap.String("op", op), zap.Int("consecutive_failures", n),
		zap.Duration("backoff", backoff), zap.Error(err))
	e.clock.Schedule(backoff, func(any) {
		if err := e.Submit(ev); err != nil {
			e.log.Error("escalation: could not requeue event after store outage", zap.String("alert_id", ev.AlertID), zap.Error(err))
		}
	}, nil)
}

func (e *Engine) storeRecovered(alertID string) {
	e.mu.Lock()
	delete(e.storeFailures, alertID)
	delete(e.degraded, alertID)
	e.mu.Unlock()
}

func (e *Engine) applyEffects(ctx context.Context, alert *types.Alert, eff effects) {
	for _, job := range eff.jobs {
		jc := job
		if err := e.store.PutNew(ctx, store.KindJobs, jc); err != nil {
			e.log.Warn("escalation: job persist failed, enqueueing regardless", zap.String("job_id", jc.JobID), zap.Error(err))
		}
		e.trackOutstanding(alert.AlertID, jc.JobID)
		e.dispatcher.Enqueue(jc)
	}
	if len(eff.jobs) > 0 {
		// Cooldown is armed when a notification is actually emitted, not on
		// mere admission — an alert that never notifies never blocks the next
		// occurrence of its rule+source from being admitted.
		if err := e.suppress.ArmCooldown(ctx, alert.RuleName, alert.Source, alert.Severity, e.clock.NowWall()); err != nil {
			e.log.Warn("escalation: arming cooldown failed", zap.String("alert_id", alert.AlertID), zap.Error(err))
		}
	}
	for _, id := range eff.cancelJobIDs {
		e.dispatcher.Cancel(id)
	}
	for _, pe := range eff.newExecutions {
		ec := pe.exec
		if err := e.store.PutNew(ctx, store.KindExecutions, ec); err != nil {
			e.log.Error("escalation: execution persist failed", zap.String("exec_id", ec.ExecID), zap.Error(err))
			continue
		}
		if pe.autoLaunch {
			e.executor.Launch(ctx, ec, pe.action, remediationContextFor(alert))
		}
	}
	for _, id := range eff.cancelExecIDs {
		e.executor.Cancel(id)
	}

	switch eff.timerAction {
	case TimerReschedule:
		e.scheduleNextTimer(ctx, alert)
	case TimerCancel:
		e.cancelTimer(alert.AlertID)
	}

	if alert.IsTerminal() {
		e.cancelOutstanding(alert.AlertID)
	}

	for _, se := range eff.selfEvents {
		if err := e.Submit(se); err != nil {
			e.log.Warn("escalation: self-event dropped, queue full", zap.String("alert_id", se.AlertID), zap.String("kind", string(se.Kind)))
		}
	}
}

func (e *Engine) trackOutstanding(alertID, jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outstanding[alertID] = append(e.outstanding[alertID], jobID)
}

func (e *Engine) cancelOutstanding(alertID string) {
	e.mu.Lock()
	jobIDs := e.outstanding[alertID]
	delete(e.outstanding, alertID)
	e.mu.Unlock()
	for _, id := range jobIDs {
		e.dispatcher.Cancel(id)
	}
	e.cancelAlertExecutions(context.Background(), alertID)
}

func (e *Engine) cancelAlertExecutions(ctx context.Context, alertID string) {
	it, err := e.store.ScanIndex(ctx, store.KindExecutions, store.IndexExecutionsByAlertID, store.Range{Exact: alertID})
	if err != nil {
		return
	}
	defer it.Close()
	for {
		v, ok, err := it.Next(ctx)
		if err != nil || !ok {
			return
		}
		exec, ok := v.(types.RemediationExecution)
		if !ok || exec.Status.IsTerminal() {
			continue
		}
		e.executor.Cancel(exec.ExecID)
	}
}

func (e *Engine) scheduleNextTimer(ctx context.Context, alert *types.Alert) {
	e.cancelTimer(alert.AlertID)

	policyDef, err := e.defs.Policy(ctx, alert.CurrentPolicyID)
	if err != nil {
		e.log.Error("escalation: policy lookup failed", zap.String("policy_id", alert.CurrentPolicyID), zap.Error(err))
		return
	}
	if alert.CurrentRuleCursor >= len(policyDef.RuleIDs) || alert.EscalationLevel >= e.maxEscalationsFor(policyDef) {
		return
	}
	rule, err := e.defs.Rule(ctx, policyDef.RuleIDs[alert.CurrentRuleCursor])
	if err != nil {
		e.log.Error("escalation: rule lookup failed", zap.String("rule_id", policyDef.RuleIDs[alert.CurrentRuleCursor]), zap.Error(err))
		return
	}

	fireAt := alert.UpdatedAt.Add(rule.Delay)
	delay := fireAt.Sub(e.clock.NowWall())
	if delay < 0 {
		delay = 0
	}
	cursorVersion := alert.CursorVersion
	handle := e.clock.Schedule(delay, func(token any) {
		_ = e.Submit(types.Event{Kind: types.EventTimer, AlertID: alert.AlertID, Timestamp: e.clock.NowWall(), TimerCursorVersion: token.(int64)})
	}, cursorVersion)

	e.mu.Lock()
	e.timers[alert.AlertID] = handle
	e.mu.Unlock()
}

func (e *Engine) cancelTimer(alertID string) {
	e.mu.Lock()
	h, ok := e.timers[alertID]
	delete(e.timers, alertID)
	e.mu.Unlock()
	if ok {
		h.Cancel()
	}
}

// maxEscalationsFor caps a policy's own ceiling with the engine-wide
// max_escalation_level, whichever is lower.
func (e *Engine) maxEscalationsFor(p *types.EscalationPolicy) int {
	max := p.MaxEscalations
	if e.cfg.MaxEscalationLevel > 0 && max > e.cfg.MaxEscalationLevel {
		max = e.cfg.MaxEscalationLevel
	}
	return max
}

func (e *Engine) resolveTarget(ctx context.Context, rule types.EscalationRule, now time.Time) (string, error) {
	if rule.TargetsTeam() {
		return e.oncall.Resolve(ctx, rule.TargetTeamID, now)
	}
	return rule.TargetContactID, nil
}

func (e *Engine) triggerMatches(ctx context.Context, rule types.EscalationRule, alert *types.Alert) (bool, error) {
	switch rule.Trigger {
	case types.TriggerTimeBased:
		return true, nil
	case types.TriggerAckTimeout:
		// Not yet acknowledged: a prior escalation step already moved Status
		// to escalated, so active-only would wrongly stop the chain after its
		// first advance (decideAck accepts the same two states as its guard).
		return alert.Status == types.AlertStatusActive || alert.Status == types.AlertStatusEscalated, nil
	case types.TriggerNoResponse:
		return alert.AckedAt == nil && alert.ResolvedAt == nil, nil
	case types.TriggerSeverityIncrease:
		return e.policyEval.SeverityIncreaseMatched(ctx, policy.Input{
			Severity:          string(alert.Severity),
			SeverityRank:      alert.Severity.Rank(),
			SeverityThreshold: string(rule.SeverityThreshold),
			ThresholdRank:     rule.SeverityThreshold.Rank(),
			ConstitutionalFlag: alert.ConstitutionalFlag,
			EscalationLevel:   alert.EscalationLevel,
			AlertStatus:       string(alert.Status),
		})
	case types.TriggerConstitutionalViolation:
		return e.policyEval.ConstitutionalViolationMatched(ctx, policy.Input{
			ConstitutionalFlag: alert.ConstitutionalFlag,
			EscalationLevel:    alert.EscalationLevel,
			AlertStatus:        string(alert.Status),
		})
	default:
		return false, nil
	}
}

func remediationContextFor(alert *types.Alert) types.RemediationContext {
	labels := make(map[string]string, len(alert.Labels))
	for k, v := range alert.Labels {
		labels[k] = v
	}
	service := alert.Labels["service"]
	if service == "" {
		service = alert.Source
	}
	return types.RemediationContext{
		Service:  service,
		AlertID:  alert.AlertID,
		Severity: alert.Severity,
		Source:   alert.Source,
		Labels:   labels,
	}
}

func cloneAlert(a *types.Alert) *types.Alert {
	c := *a
	labels := make(map[string]string, len(a.Labels))
	for k, v := range a.Labels {
		labels[k] = v
	}
	c.Labels = labels
	return &c
}
