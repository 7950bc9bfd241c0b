package escalation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/clock"
	"github.com/constitutional-mesh/iaer/internal/escalation"
	"github.com/constitutional-mesh/iaer/internal/escalation/policy"
	"github.com/constitutional-mesh/iaer/internal/ids"
	"github.com/constitutional-mesh/iaer/internal/oncall"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/internal/store/memory"
	"github.com/constitutional-mesh/iaer/internal/suppression"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

func TestEscalation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Escalation Engine Suite")
}

// fakeMinter mints predictable, inspectable ids instead of the real
// UUID/ULID scheme, so tests can assert on identity without parsing.
type fakeMinter struct {
	mu sync.Mutex
	n  map[ids.Kind]int
}

func newFakeMinter() *fakeMinter { return &fakeMinter{n: make(map[ids.Kind]int)} }

func (m *fakeMinter) New(kind ids.Kind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n[kind]++
	return string(kind) + "-" + itoa(m.n[kind])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// fakeDispatcher stands in for the Notification Dispatcher so tests can
// assert exactly what the Engine tried to enqueue/cancel without a real
// worker pool or channel adapters.
type fakeDispatcher struct {
	mu        sync.Mutex
	jobs      []types.NotificationJob
	cancelled []string
}

func (f *fakeDispatcher) Enqueue(job types.NotificationJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakeDispatcher) Cancel(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
}

func (f *fakeDispatcher) Jobs() []types.NotificationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.NotificationJob, len(f.jobs))
	copy(out, f.jobs)
	return out
}

func (f *fakeDispatcher) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

// launchedExec is one call the fakeLauncher observed.
type launchedExec struct {
	Exec   types.RemediationExecution
	Action types.RemediationAction
	RCtx   types.RemediationContext
}

// fakeLauncher stands in for the Remediation Executor.
type fakeLauncher struct {
	mu        sync.Mutex
	launched  []launchedExec
	cancelled []string
}

func (f *fakeLauncher) Launch(ctx context.Context, exec types.RemediationExecution, action types.RemediationAction, rctx types.RemediationContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, launchedExec{Exec: exec, Action: action, RCtx: rctx})
}

func (f *fakeLauncher) Cancel(execID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, execID)
}

func (f *fakeLauncher) Launched() []launchedExec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]launchedExec, len(f.launched))
	copy(out, f.launched)
	return out
}

func (f *fakeLauncher) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

// harness wires a real Engine against an in-memory Store, a virtual clock,
// a real (miniredis-backed) suppression Index, and a real on-call Resolver,
// with only the Dispatcher and Executor faked out — mirroring the boundary
// the Engine itself defines via JobEnqueuer/RemediationLauncher.
type harness struct {
	St       *memory.Store
	Clock    *clock.Virtual
	Minter   *fakeMinter
	mr       *miniredis.Miniredis
	RDB      *redis.Client
	Dispatch *fakeDispatcher
	Launch   *fakeLauncher
	Engine   *escalation.Engine
}

func startOfTest() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newHarness(remediationTable map[string]types.RemediationAction, defaultPolicyID, constitutionalPolicyID string) *harness {
	return newHarnessWithDefaultContact(remediationTable, defaultPolicyID, constitutionalPolicyID, "default-contact")
}

func newHarnessWithDefaultContact(remediationTable map[string]types.RemediationAction, defaultPolicyID, constitutionalPolicyID, defaultContact string) *harness {
	ctx := context.Background()

	st := memory.New()
	clk := clock.NewVirtual(startOfTest())
	minter := newFakeMinter()

	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	suppIdx := suppression.New(rdb, suppression.NewStoreWindows(st), suppression.NewStoreAlerts(st), nil)
	resolver := oncall.New(oncall.NewStoreTeamStore(st), defaultContact)
	defs := escalation.NewStoreDefinitions(st, remediationTable)

	dispatcher := &fakeDispatcher{}
	launcher := &fakeLauncher{}

	policyEval, err := policy.NewEvaluator(ctx, policy.DefaultModule)
	Expect(err).NotTo(HaveOccurred())

	eng := escalation.New(
		escalation.Config{Partitions: 4, QueueCapacity: 256, MaxEscalationLevel: 10},
		st, clk, minter, suppIdx, resolver, defs, dispatcher, launcher, policyEval,
		zap.NewNop(), defaultPolicyID, constitutionalPolicyID,
	)
	eng.Start(ctx)

	return &harness{
		St: st, Clock: clk, Minter: minter, mr: mr, RDB: rdb,
		Dispatch: dispatcher, Launch: launcher, Engine: eng,
	}
}

func (h *harness) Close() { _ = h.RDB.Close(); h.mr.Close() }

func (h *harness) PutPolicy(p types.EscalationPolicy) {
	Expect(h.St.PutNew(context.Background(), store.KindPolicies, p)).To(Succeed())
}

func (h *harness) PutRule(r types.EscalationRule) {
	Expect(h.St.PutNew(context.Background(), store.KindRules, r)).To(Succeed())
}

func (h *harness) PutWindow(w types.MaintenanceWindow) {
	Expect(h.St.PutNew(context.Background(), store.KindWindows, w)).To(Succeed())
}

func (h *harness) PutTeam(t types.Team) {
	Expect(h.St.PutNew(context.Background(), store.KindTeams, t)).To(Succeed())
}

func (h *harness) PutSchedule(s types.OnCallSchedule) {
	Expect(h.St.PutNew(context.Background(), store.KindSchedules, s)).To(Succeed())
}

func (h *harness) Submit(ev types.Event) {
	Expect(h.Engine.Submit(ev)).To(Succeed())
}

func (h *harness) Alert(alertID string) types.Alert {
	v, err := h.St.Get(context.Background(), store.KindAlerts, alertID)
	Expect(err).NotTo(HaveOccurred())
	return v.(types.Alert)
}

func (h *harness) Job(jobID string) types.NotificationJob {
	v, err := h.St.Get(context.Background(), store.KindJobs, jobID)
	Expect(err).NotTo(HaveOccurred())
	return v.(types.NotificationJob)
}

func (h *harness) Execution(execID string) types.RemediationExecution {
	v, err := h.St.Get(context.Background(), store.KindExecutions, execID)
	Expect(err).NotTo(HaveOccurred())
	return v.(types.RemediationExecution)
}

func (h *harness) ExecutionsForAlert(alertID string) []types.RemediationExecution {
	it, err := h.St.ScanIndex(context.Background(), store.KindExecutions, store.IndexExecutionsByAlertID, store.Range{Exact: alertID})
	Expect(err).NotTo(HaveOccurred())
	defer it.Close()
	var out []types.RemediationExecution
	for {
		v, ok, err := it.Next(context.Background())
		Expect(err).NotTo(HaveOccurred())
		if !ok {
			break
		}
		out = append(out, v.(types.RemediationExecution))
	}
	return out
}

func (h *harness) AllAlerts() []types.Alert {
	it, err := h.St.ScanIndex(context.Background(), store.KindAlerts, store.IndexName(""), store.Range{})
	Expect(err).NotTo(HaveOccurred())
	defer it.Close()
	var out []types.Alert
	for {
		v, ok, err := it.Next(context.Background())
		Expect(err).NotTo(HaveOccurred())
		if !ok {
			break
		}
		out = append(out, v.(types.Alert))
	}
	return out
}

// WaitForAlertByRule polls until exactly one alert for ruleName is visible
// in the Store; event handling runs on the Engine's partition goroutines, so
// Submit returns before the alert is necessarily persisted.
func (h *harness) WaitForAlertByRule(ruleName string) types.Alert {
	var found types.Alert
	Eventually(func() bool {
		for _, a := range h.AllAlerts() {
			if a.RuleName == ruleName {
				found = a
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond).Should(BeTrue(), "no alert for rule %q appeared", ruleName)
	return found
}

func (h *harness) WaitForStatus(alertID string, status types.AlertStatus) types.Alert {
	var a types.Alert
	Eventually(func() types.AlertStatus {
		a = h.Alert(alertID)
		return a.Status
	}, time.Second, 2*time.Millisecond).Should(Equal(status))
	return a
}

func (h *harness) WaitForCursor(alertID string, cursor int) types.Alert {
	var a types.Alert
	Eventually(func() int {
		a = h.Alert(alertID)
		return a.CurrentRuleCursor
	}, time.Second, 2*time.Millisecond).Should(Equal(cursor))
	return a
}

func ingressEvent(ruleName, source string, severity types.Severity, constitutional bool, now time.Time) types.Event {
	return types.Event{
		Kind:      types.EventIngressAlert,
		Timestamp: now,
		Ingress: &types.IngressAlertEvent{
			RuleName:           ruleName,
			Severity:           severity,
			Message:            "synthetic test alert",
			Source:             source,
			Labels:             map[string]string{},
			ConstitutionalFlag: constitutional,
			Timestamp:          now,
		},
	}
}
