package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/notification"
	"github.com/constitutional-mesh/iaer/internal/notification/channel"
	"github.com/constitutional-mesh/iaer/internal/notification/ratelimit"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

func TestNotification(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notification Dispatcher Suite")
}

// fakeChannel lets each test script exactly what a Send call returns, and
// records every address/message it was asked to deliver.
type fakeChannel struct {
	kind types.ChannelKind

	mu  sync.Mutex
	n   int
	do  func(n int, message, address string) (channel.Outcome, error)
	got []string
}

func (f *fakeChannel) Kind() types.ChannelKind { return f.kind }

func (f *fakeChannel) Send(ctx context.Context, message, address string) (channel.Outcome, error) {
	f.mu.Lock()
	f.n++
	n := f.n
	f.got = append(f.got, address)
	f.mu.Unlock()
	if f.do != nil {
		return f.do(n, message, address)
	}
	return channel.Delivered, nil
}

func (f *fakeChannel) RateLimit() (int, float64) { return 0, 0 }

func (f *fakeChannel) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeRenderer struct{}

func (fakeRenderer) Render(templateID string, variables map[string]string) (string, error) {
	return "rendered:" + templateID, nil
}

type erroringRenderer struct{}

func (erroringRenderer) Render(templateID string, variables map[string]string) (string, error) {
	return "", errors.New("template not found")
}

type fakeAddresses struct{}

func (fakeAddresses) Address(contactID string, kind types.ChannelKind) (string, error) {
	if contactID == "" {
		return "", errors.New("no address for empty contact")
	}
	return contactID + "@" + string(kind), nil
}

type fakeMinter struct{ n int }

func (m *fakeMinter) New(kind ids.Kind) string {
	m.n++
	return string(kind) + "-test"
}

func testConfig() notification.Config {
	return notification.Config{
		Workers:            2,
		MaxAttempts:        3,
		BaseBackoff:        2 * time.Millisecond,
		MaxBackoff:         10 * time.Millisecond,
		PerJobDeadline:     time.Second,
		ChannelSendTimeout: time.Second,
	}
}

func newJob(alertID, contactID string, ch types.ChannelKind, priority int) types.NotificationJob {
	return types.NotificationJob{
		JobID:      alertID + "-" + contactID + "-" + string(ch),
		AlertID:    alertID,
		ContactID:  contactID,
		Channel:    ch,
		TemplateID: "escalation",
		Variables:  map[string]string{},
		Priority:   priority,
		CreatedAt:  time.Now(),
	}
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		results chan notification.Result
		ch      *fakeChannel
		limiter *ratelimit.Registry
		d       *notification.Dispatcher
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		results = make(chan notification.Result, 64)
		ch = &fakeChannel{kind: types.ChannelEmail}
		limiter = ratelimit.NewRegistry()
		d = notification.New(testConfig(), clock.NewReal(), channel.NewRegistry(ch), limiter, fakeRenderer{}, fakeAddresses{}, &fakeMinter{}, zap.NewNop(), results)
		d.Start(ctx)
	})

	AfterEach(func() {
		d.Stop()
		cancel()
	})

	It("delivers a job and reports a terminal Result", func() {
		job := newJob("alert-1", "contact-1", types.ChannelEmail, 0)
		d.Enqueue(job)

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.JobID).To(Equal(job.JobID))
		Expect(res.Delivered).To(BeTrue())
		Expect(res.Err).NotTo(HaveOccurred())
	})

	It("is idempotent when the same job_id is enqueued twice", func() {
		gate := make(chan struct{})
		ch.do = func(n int, message, address string) (channel.Outcome, error) {
			<-gate
			return channel.Delivered, nil
		}
		job := newJob("alert-2", "contact-1", types.ChannelEmail, 0)
		d.Enqueue(job)
		d.Enqueue(job)
		close(gate)

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Consistently(results, 100*time.Millisecond, 5*time.Millisecond).ShouldNot(Receive())
	})

	It("reports a job cancelled before it was dequeued as a cancelled Result, undelivered", func() {
		job := newJob("alert-3", "contact-1", types.ChannelEmail, 0)
		d.Cancel(job.JobID)
		d.Enqueue(job)

		other := newJob("alert-4", "contact-1", types.ChannelEmail, 0)
		d.Enqueue(other)

		var first, second notification.Result
		Eventually(results, time.Second).Should(Receive(&first))
		Eventually(results, time.Second).Should(Receive(&second))
		byID := map[string]notification.Result{first.JobID: first, second.JobID: second}
		Expect(byID[job.JobID].Cancelled).To(BeTrue())
		Expect(byID[job.JobID].Delivered).To(BeFalse())
		Expect(byID[other.JobID].Delivered).To(BeTrue())
		Expect(ch.attempts()).To(Equal(1))
	})

	It("holds a job back until its scheduled_not_before instant arrives", func() {
		job := newJob("alert-11", "contact-1", types.ChannelEmail, 0)
		job.ScheduledNotBefore = time.Now().Add(60 * time.Millisecond)
		d.Enqueue(job)

		Consistently(results, 40*time.Millisecond, 5*time.Millisecond).ShouldNot(Receive())

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.JobID).To(Equal(job.JobID))
		Expect(res.Delivered).To(BeTrue())
	})

	It("classifies a PermanentError outcome as a non-retried failure", func() {
		ch.do = func(n int, message, address string) (channel.Outcome, error) {
			return channel.PermanentError, errors.New("rejected")
		}
		job := newJob("alert-5", "contact-1", types.ChannelEmail, 0)
		d.Enqueue(job)

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.Delivered).To(BeFalse())
		Expect(res.Err).To(HaveOccurred())
		Expect(ch.attempts()).To(Equal(1))
	})

	It("retries a TransientError outcome with backoff before eventually delivering", func() {
		ch.do = func(n int, message, address string) (channel.Outcome, error) {
			if n < 3 {
				return channel.TransientError, errors.New("timeout")
			}
			return channel.Delivered, nil
		}
		job := newJob("alert-6", "contact-1", types.ChannelEmail, 0)
		d.Enqueue(job)

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.Delivered).To(BeTrue())
		Expect(ch.attempts()).To(Equal(3))
	})

	It("reports a TransientError outcome as failed once MaxAttempts is exhausted", func() {
		ch.do = func(n int, message, address string) (channel.Outcome, error) {
			return channel.TransientError, errors.New("still down")
		}
		job := newJob("alert-7", "contact-1", types.ChannelEmail, 0)
		d.Enqueue(job)

		var res notification.Result
		Eventually(results, 2*time.Second).Should(Receive(&res))
		Expect(res.Delivered).To(BeFalse())
		Expect(ch.attempts()).To(Equal(3))
	})

	It("treats a template render error as a permanent failure without calling the channel", func() {
		d2 := notification.New(testConfig(), clock.NewReal(), channel.NewRegistry(ch), limiter, erroringRenderer{}, fakeAddresses{}, &fakeMinter{}, zap.NewNop(), results)
		d2.Start(ctx)
		defer d2.Stop()

		job := newJob("alert-8", "contact-1", types.ChannelEmail, 0)
		d2.Enqueue(job)

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.Delivered).To(BeFalse())
		Expect(ch.attempts()).To(Equal(0))
	})

	// Regression test: releaseInflight must wake a worker parked in dequeue
	// after it requeued a job that collided with an in-flight tuple, or the
	// second job for the same (alert_id, channel, contact) never gets a
	// chance to run.
	It("eventually delivers two jobs sharing the same (alert_id, channel, contact) tuple", func() {
		slow := make(chan struct{})
		var once sync.Once
		ch.do = func(n int, message, address string) (channel.Outcome, error) {
			once.Do(func() { <-slow })
			return channel.Delivered, nil
		}

		jobA := newJob("alert-9", "contact-1", types.ChannelEmail, 0)
		jobB := jobA
		jobB.JobID = jobA.JobID + "-dup"

		d.Enqueue(jobA)
		d.Enqueue(jobB)

		// Give the first worker a moment to claim the tuple and block, then
		// release it; without the cond.Broadcast fix, the second worker
		// would be parked in dequeue forever since requeuing jobB never
		// signals anyone.
		time.Sleep(20 * time.Millisecond)
		close(slow)

		var first, second notification.Result
		Eventually(results, time.Second).Should(Receive(&first))
		Eventually(results, time.Second).Should(Receive(&second))
		Expect([]string{first.JobID, second.JobID}).To(ConsistOf(jobA.JobID, jobB.JobID))
	})

	It("fails a job whose contact has no resolvable address without calling the channel", func() {
		job := newJob("alert-10", "", types.ChannelEmail, 0)
		d.Enqueue(job)

		var res notification.Result
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.Delivered).To(BeFalse())
		Expect(ch.attempts()).To(Equal(0))
	})
})
