package remediation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

var tracer = otel.Tracer("iaer/remediation")

// Result is what the Executor reports back to the Engine once an execution
// reaches a terminal state; exactly one is emitted per exec_id.
type Result struct {
	ExecID        string
	AlertID       string
	ActionID      string
	CursorVersion int64
	Status        types.ExecutionStatus
	ExitCode      *int
	StdoutTail    string
	StderrTail    string
	StartedAt     time.Time
	Duration      time.Duration
}

// Config tunes the worker pool, backoff, and the label keys each action's
// template may reference. The impact kill-switch is not part of Config; it
// is passed to New.
type Config struct {
	Workers             int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	AllowedLabelKeysByAction map[string][]string // action_id -> label keys its template may reference
}

type job struct {
	exec    types.RemediationExecution
	action  types.RemediationAction
	rctx    types.RemediationContext
	started time.Time
}

// Executor is the bounded worker pool driving a Runner. The pool is kept
// small on purpose: remediations are expensive, and each launched process
// carries its own timeout.
type Executor struct {
	cfg        Config
	clk        clock.Clock
	runner     Runner
	log        *zap.Logger
	results    chan<- Result
	killswitch func() bool // reports the current value of remediation_global_killswitch

	sem *semaphore.Weighted

	mu        sync.Mutex
	cancelled map[string]bool // exec_id -> cancel requested before it started running
	running   map[string]bool // exec_id -> currently executing; cancel is then a no-op

	wg sync.WaitGroup
}

// New builds an Executor. killswitch is polled immediately before every
// launch attempt so a config change takes effect without restarting the
// process.
func New(cfg Config, clk clock.Clock, runner Runner, killswitch func() bool, log *zap.Logger, results chan<- Result) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Executor{
		cfg:        cfg,
		clk:        clk,
		runner:     runner,
		log:        log,
		results:    results,
		killswitch: killswitch,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		cancelled:  make(map[string]bool),
		running:    make(map[string]bool),
	}
}

// Wait blocks until every launched execution has reported a result. Used by
// tests and graceful shutdown; it does not stop accepting new Launch calls.
func (x *Executor) Wait() { x.wg.Wait() }

// Launch implements escalation.RemediationLauncher. It acquires a worker
// slot asynchronously (never blocking the Engine's event-handling goroutine)
// and runs the action under its configured timeout and retry policy.
func (x *Executor) Launch(ctx context.Context, exec types.RemediationExecution, action types.RemediationAction, rctx types.RemediationContext) {
	x.wg.Add(1)
	go x.run(ctx, job{exec: exec, action: action, rctx: rctx})
}

// Cancel marks a not-yet-started execution cancelled; it has no effect on an
// execution already running — that one is allowed to finish and its result
// recorded, but the Engine discards it once the owning alert is terminal
//.
func (x *Executor) Cancel(execID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.running[execID] {
		return
	}
	x.cancelled[execID] = true
}

func (x *Executor) run(ctx context.Context, j job) {
	defer x.wg.Done()
	j.started = x.clk.NowWall()

	ctx, span := tracer.Start(ctx, "remediation.run",
		trace.WithAttributes(attribute.String("alert_id", j.exec.AlertID), attribute.String("exec_id", j.exec.ExecID), attribute.String("action_id", j.action.ActionID)))
	defer span.End()

	if err := x.sem.Acquire(ctx, 1); err != nil {
		x.emit(j, types.ExecutionCancelled, nil, "", "")
		return
	}
	defer x.sem.Release(1)

	x.mu.Lock()
	if x.cancelled[j.exec.ExecID] {
		delete(x.cancelled, j.exec.ExecID)
		x.mu.Unlock()
		x.emit(j, types.ExecutionCancelled, nil, "", "")
		return
	}
	x.running[j.exec.ExecID] = true
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.running, j.exec.ExecID)
		x.mu.Unlock()
	}()

	if j.action.Impact == types.ImpactCritical && x.killswitch != nil && x.killswitch() {
		x.log.Warn("remediation: critical action refused by global kill-switch",
			zap.String("exec_id", j.exec.ExecID), zap.String("action_id", j.action.ActionID))
		x.emit(j, types.ExecutionCancelled, nil, "", "")
		return
	}

	vars := RenderVariables(j.rctx, x.cfg.AllowedLabelKeysByAction[j.action.ActionID])

	maxAttempts := j.action.MaxRetries + 1
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last RunResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, j.action.Timeout)
		last = x.runner.Run(runCtx, j.action.CommandTemplate, vars)
		cancel()

		if last.Outcome == Success {
			code := last.ExitCode
			x.emit(j, types.ExecutionSuccess, &code, last.StdoutTail, last.StderrTail)
			return
		}
		if attempt == maxAttempts {
			break
		}
		x.sleepBackoff(ctx, attempt)
	}

	switch last.Outcome {
	case TimedOut:
		x.emit(j, types.ExecutionTimeout, nil, last.StdoutTail, last.StderrTail)
	default:
		var code *int
		if last.Outcome == NonZeroExit {
			c := last.ExitCode
			code = &c
		}
		x.emit(j, types.ExecutionFailed, code, last.StdoutTail, last.StderrTail)
	}
}

func (x *Executor) sleepBackoff(ctx context.Context, attempt int) {
	base := x.cfg.BaseBackoff
	if base <= 0 {
		base = 1 * time.Second
	}
	max := x.cfg.MaxBackoff
	if max <= 0 {
		max = 1 * time.Minute
	}
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	done := make(chan struct{})
	h := x.clk.Schedule(d/2+jitter, func(any) { close(done) }, nil)
	select {
	case <-done:
	case <-ctx.Done():
		h.Cancel()
	}
}

func (x *Executor) emit(j job, status types.ExecutionStatus, exitCode *int, stdoutTail, stderrTail string) {
	var dur time.Duration
	if !j.started.IsZero() {
		dur = x.clk.NowWall().Sub(j.started)
	}
	x.results <- Result{
		ExecID:        j.exec.ExecID,
		AlertID:       j.exec.AlertID,
		ActionID:      j.action.ActionID,
		CursorVersion: j.exec.CursorVersion,
		Status:        status,
		ExitCode:      exitCode,
		StdoutTail:    stdoutTail,
		StderrTail:    stderrTail,
		StartedAt:     j.started,
		Duration:      dur,
	}
}
