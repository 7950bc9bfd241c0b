// Package notification implements the Notification Dispatcher: a bounded
// worker pool that renders templates and drives Channel adapters with
// per-channel rate limits, retries, and delivery accounting.
package notification

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/notification/channel"
	"github.com/constitutional-mesh/iaer/internal/notification/ratelimit"
	"github.com/constitutional-mesh/iaer/internal/notification/sanitization"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Result is what the Dispatcher reports back to the Engine once a job
// reaches a terminal state.
type Result struct {
	JobID         string
	AlertID       string
	Channel       types.ChannelKind
	CursorVersion int64
	Delivered     bool
	Cancelled     bool
	Err           error
	EnqueuedAt    time.Time
}

// TemplateRenderer renders a job's variables into the message body a Channel
// sends. Render errors are permanent.
type TemplateRenderer interface {
	Render(templateID string, variables map[string]string) (string, error)
}

// AddressResolver resolves a contact_id + channel kind to a delivery
// address; an unknown contact/address is a permanent failure.
type AddressResolver interface {
	Address(contactID string, kind types.ChannelKind) (string, error)
}

// Config tunes worker counts, retry policy, and the constitutional
// partition size.
type Config struct {
	Workers               int
	ConstitutionalWorkers int
	MaxAttempts           int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	PerJobDeadline        time.Duration
	ChannelSendTimeout    time.Duration
}

// Dispatcher is the bounded worker pool driving Channel adapters.
type Dispatcher struct {
	cfg       Config
	clk       clock.Clock
	channels  *channel.Registry
	limiter   *ratelimit.Registry
	renderer  TemplateRenderer
	addresses AddressResolver
	sanitizer *sanitization.Sanitizer
	ids       ids.Minter
	log       *zap.Logger
	results   chan<- Result

	mu        sync.Mutex
	cond      *sync.Cond
	normal    jobHeap
	const_    jobHeap
	seen      map[string]time.Time // job_id -> enqueue instant; idempotent enqueue + latency accounting
	cancelled map[string]bool
	inflight  map[string]bool // (alert_id, channel, contact) tuple currently being attempted

	closing bool
	wg      sync.WaitGroup
}

var tracer = otel.Tracer("iaer/notification")

// New builds a Dispatcher. results receives a Result for every job that
// reaches a terminal state; the Engine reads from it.
func New(cfg Config, clk clock.Clock, channels *channel.Registry, limiter *ratelimit.Registry, renderer TemplateRenderer, addresses AddressResolver, idMinter ids.Minter, log *zap.Logger, results chan<- Result) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		clk:       clk,
		channels:  channels,
		limiter:   limiter,
		renderer:  renderer,
		addresses: addresses,
		sanitizer: sanitization.NewSanitizer(),
		ids:       idMinter,
		log:       log,
		results:   results,
		seen:      make(map[string]time.Time),
		cancelled: make(map[string]bool),
		inflight:  make(map[string]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool: cfg.Workers on the normal queue and
// cfg.ConstitutionalWorkers on a dedicated partition so normal-traffic
// bursts cannot starve constitutional-flagged jobs.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, false)
	}
	for i := 0; i < d.cfg.ConstitutionalWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, true)
	}
}

// Stop signals every worker to exit once the queues drain and waits.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closing = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue admits a job for delivery, idempotent on job_id for as long as the
// job is queued or in flight (its sole producer, the Engine, creates each
// job_id exactly once; the guard exists for redelivered enqueues). A job whose
// scheduled_not_before is still in the future is parked and promoted onto
// the ready queue when its instant arrives.
func (d *Dispatcher) Enqueue(job types.NotificationJob) {
	d.mu.Lock()
	if _, exists := d.seen[job.JobID]; exists {
		d.mu.Unlock()
		return
	}
	now := d.clk.NowWall()
	d.seen[job.JobID] = now
	d.mu.Unlock()

	jc := job
	if delay := jc.ScheduledNotBefore.Sub(now); delay > 0 {
		d.clk.Schedule(delay, func(any) { d.push(&jc) }, nil)
		return
	}
	d.push(&jc)
}

func (d *Dispatcher) push(job *types.NotificationJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job.ConstitutionalFlag {
		heap.Push(&d.const_, job)
	} else {
		heap.Push(&d.normal, job)
	}
	d.cond.Signal()
}

// Cancel transitions a not-yet-started job to cancelled; it has no effect on
// an in-flight attempt, which completes and is discarded by the Engine.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[jobID] = true
}

func (d *Dispatcher) workerLoop(ctx context.Context, constitutional bool) {
	defer d.wg.Done()
	for {
		job, ok := d.dequeue(ctx, constitutional)
		if !ok {
			return
		}
		d.attempt(ctx, job)
	}
}

func (d *Dispatcher) dequeue(ctx context.Context, constitutional bool) (*types.NotificationJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		q := &d.normal
		if constitutional {
			q = &d.const_
		}
		for q.Len() > 0 {
			job := heap.Pop(q).(*types.NotificationJob)
			if d.cancelled[job.JobID] {
				delete(d.cancelled, job.JobID)
				enqueuedAt := d.seen[job.JobID]
				delete(d.seen, job.JobID)
				d.mu.Unlock()
				d.results <- Result{
					JobID:         job.JobID,
					AlertID:       job.AlertID,
					Channel:       job.Channel,
					CursorVersion: job.CursorVersion,
					Cancelled:     true,
					EnqueuedAt:    enqueuedAt,
				}
				d.mu.Lock()
				continue
			}
			tuple := tupleKey(job.AlertID, job.Channel, job.ContactID)
			if d.inflight[tuple] {
				// Another attempt for this exact tuple is outstanding;
				// requeue the job and park this worker on the cond until it
				// is woken again (other queued jobs are not tried meanwhile):
				// attempts per tuple are strictly ordered and never overlap.
				heap.Push(q, job)
				break
			}
			d.inflight[tuple] = true
			return job, true
		}
		if d.closing {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}
		d.cond.Wait()
	}
}

func tupleKey(alertID string, kind types.ChannelKind, contactID string) string {
	return alertID + "|" + string(kind) + "|" + contactID
}

func (d *Dispatcher) releaseInflight(job *types.NotificationJob) {
	d.mu.Lock()
	delete(d.inflight, tupleKey(job.AlertID, job.Channel, job.ContactID))
	d.mu.Unlock()
	// A worker may be parked in dequeue's cond.Wait after requeuing a job that
	// collided with this tuple; without a wake here it would starve until an
	// unrelated Enqueue happened to signal the condition.
	d.cond.Broadcast()
}

func (d *Dispatcher) attempt(ctx context.Context, job *types.NotificationJob) {
	defer d.releaseInflight(job)

	ctx, span := tracer.Start(ctx, "notification.attempt",
		trace.WithAttributes(attribute.String("alert_id", job.AlertID), attribute.String("job_id", job.JobID), attribute.String("channel", string(job.Channel))))
	defer span.End()

	deadline := d.clk.NowWall().Add(d.cfg.PerJobDeadline)
	ch := d.channels.Get(job.Channel)
	if ch == nil {
		d.finish(job, false, ierrors.NewPermanent("dispatcher", fmt.Errorf("no channel adapter for %q", job.Channel)))
		return
	}

	address, err := d.addresses.Address(job.ContactID, job.Channel)
	if err != nil {
		d.finish(job, false, ierrors.NewPermanent("dispatcher", err))
		return
	}

	rendered, err := d.renderer.Render(job.TemplateID, job.Variables)
	if err != nil {
		d.finish(job, false, ierrors.NewPermanent("dispatcher", err))
		return
	}
	safe, sanErr := d.sanitizer.SanitizeWithFallback(rendered)
	if sanErr != nil {
		d.log.Warn("notification body sanitization fell back to safe redaction", zap.String("job_id", job.JobID), zap.Error(sanErr))
	}

	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx, job.Channel); err != nil {
			d.finish(job, false, err)
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.ChannelSendTimeout)
		outcome, sendErr := ch.Send(sendCtx, safe, address)
		cancel()

		job.Attempts = attempt

		switch outcome {
		case channel.Delivered:
			d.finish(job, true, nil)
			return
		case channel.PermanentError:
			d.finish(job, false, ierrors.NewPermanent("dispatcher.channel", sendErr))
			return
		case channel.TransientError:
			if attempt == maxAttempts || d.clk.NowWall().After(deadline) {
				d.finish(job, false, ierrors.NewTransient("dispatcher.channel", sendErr))
				return
			}
			if !d.sleep(ctx, d.backoffFor(attempt)) {
				d.finish(job, false, ctx.Err())
				return
			}
		}
	}
}

// sleep blocks for dur on the injected clock; false means ctx was cancelled
// first.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	done := make(chan struct{})
	h := d.clk.Schedule(dur, func(any) { close(done) }, nil)
	select {
	case <-done:
		return true
	case <-ctx.Done():
		h.Cancel()
		return false
	}
}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	base := d.cfg.BaseBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := d.cfg.MaxBackoff
	if max <= 0 {
		max = 30 * time.Second
	}
	d2 := base << uint(attempt-1)
	if d2 > max || d2 <= 0 {
		d2 = max
	}
	jitter := time.Duration(rand.Int63n(int64(d2)/2 + 1))
	return d2/2 + jitter
}

func (d *Dispatcher) finish(job *types.NotificationJob, delivered bool, err error) {
	d.mu.Lock()
	enqueuedAt := d.seen[job.JobID]
	delete(d.seen, job.JobID)
	delete(d.cancelled, job.JobID)
	d.mu.Unlock()
	d.results <- Result{
		JobID:         job.JobID,
		AlertID:       job.AlertID,
		Channel:       job.Channel,
		CursorVersion: job.CursorVersion,
		Delivered:     delivered,
		Err:           err,
		EnqueuedAt:    enqueuedAt,
	}
}

// jobHeap orders by priority (higher first), then scheduled_not_before
// (earlier first), implementing container/heap.Interface.
type jobHeap []*types.NotificationJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledNotBefore.Before(h[j].ScheduledNotBefore)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*types.NotificationJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
