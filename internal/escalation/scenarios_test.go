package escalation_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// An immediate, time-based escalation step notifies its target and
// auto-launches the mapped remediation; a successful result resolves the
// alert and cancels anything still outstanding.
var _ = Describe("immediate escalation with auto-remediated resolution", func() {
	It("notifies, launches remediation, and resolves on success", func() {
		action := types.RemediationAction{
			ActionID:   "restart_service",
			CommandTemplate: "/bin/restart {{service}}",
			Timeout:    5 * time.Second,
			MaxRetries: 0,
			Impact:     types.ImpactMedium,
		}
		h := newHarness(map[string]types.RemediationAction{"ServiceDown:critical": action}, "p-s1", "p-s1")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-s1", RuleIDs: []string{"r-s1-0", "r-s1-1"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-s1-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})
		h.PutRule(types.EscalationRule{RuleID: "r-s1-1", Trigger: types.TriggerAckTimeout, Delay: 15 * time.Minute, TargetContactID: "contact-1", Channel: types.ChannelWebhook})

		h.Submit(ingressEvent("ServiceDown", "svc-a", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("ServiceDown")
		Expect(admitted.Status).To(Equal(types.AlertStatusActive))
		Expect(admitted.CurrentRuleCursor).To(Equal(0))

		h.Clock.Advance(0) // fires the zero-delay time_based rule

		escalated := h.WaitForStatus(admitted.AlertID, types.AlertStatusEscalated)
		Expect(escalated.CurrentRuleCursor).To(Equal(1))
		Expect(escalated.EscalationLevel).To(Equal(1))

		Eventually(h.Dispatch.Jobs).Should(HaveLen(1))
		job := h.Dispatch.Jobs()[0]
		Expect(job.Channel).To(Equal(types.ChannelEmail))
		Expect(job.ContactID).To(Equal("contact-1"))

		Eventually(h.Launch.Launched).Should(HaveLen(1))
		launched := h.Launch.Launched()[0]
		Expect(launched.Action.ActionID).To(Equal("restart_service"))

		h.Clock.Advance(2 * time.Second)
		h.Submit(types.Event{
			Kind: types.EventRemediationResult, AlertID: escalated.AlertID, Timestamp: h.Clock.NowWall(),
			RemediationExecID: launched.Exec.ExecID, RemediationStatus: types.ExecutionSuccess,
		})

		resolved := h.WaitForStatus(escalated.AlertID, types.AlertStatusResolved)
		Expect(resolved.RemediationSuccess).NotTo(BeNil())
		Expect(*resolved.RemediationSuccess).To(BeTrue())

		Eventually(h.Dispatch.Cancelled).Should(ContainElement(job.JobID))
		Expect(h.Execution(launched.Exec.ExecID).Status).To(Equal(types.ExecutionSuccess))

		// Resolution cancels the escalation timer: the ack_timeout rule never fires.
		h.Clock.Advance(20 * time.Minute)
		Consistently(h.Dispatch.Jobs, 50*time.Millisecond, 5*time.Millisecond).Should(HaveLen(1))
	})
})

// A duplicate ingress for a still-live alert, arriving well inside the
// admission cooldown window, must merge into the live alert rather than be
// swallowed by the cooldown check (regression coverage for the merge-before-
// cooldown ordering fix).
var _ = Describe("duplicate ingress merges into the live alert despite an active cooldown", func() {
	It("bumps merge_count instead of creating a second alert", func() {
		h := newHarness(nil, "p-s2", "p-s2")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-s2", RuleIDs: []string{"r-s2-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-s2-0", Trigger: types.TriggerTimeBased, Delay: time.Hour, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("DiskFull", "node-1", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("DiskFull")
		Expect(admitted.Status).To(Equal(types.AlertStatusActive))
		Expect(admitted.MergeCount).To(Equal(0))

		h.Clock.Advance(5 * time.Second) // well inside the 5-minute critical cooldown
		h.Submit(ingressEvent("DiskFull", "node-1", types.SeverityCritical, false, h.Clock.NowWall()))

		Eventually(func() int {
			return h.Alert(admitted.AlertID).MergeCount
		}, time.Second, 2*time.Millisecond).Should(Equal(1))

		Expect(h.AllAlerts()).To(HaveLen(1))

		// An identical duplicate appends no label diff; one carrying new
		// label data records it on the merged alert.
		Expect(h.Alert(admitted.AlertID).LabelDiffs).To(BeEmpty())

		withLabels := ingressEvent("DiskFull", "node-1", types.SeverityCritical, false, h.Clock.NowWall())
		withLabels.Ingress.Labels = map[string]string{"mount": "/var"}
		h.Submit(withLabels)

		Eventually(func() int {
			return h.Alert(admitted.AlertID).MergeCount
		}, time.Second, 2*time.Millisecond).Should(Equal(2))

		merged := h.Alert(admitted.AlertID)
		Expect(merged.LabelDiffs).To(HaveLen(1))
		Expect(merged.LabelDiffs[0].Added).To(HaveKeyWithValue("mount", "/var"))
		Expect(merged.Labels).NotTo(HaveKey("mount")) // stored labels stay as admitted
	})
})

// Cooldown is armed when a notification is actually emitted, not on mere
// admission: an alert that never notified does not block re-admission of its
// rule+source, while one that did notify does.
var _ = Describe("cooldown arms on notification emission", func() {
	It("suppresses re-admission after a notifying alert resolves, within the cooldown", func() {
		h := newHarness(nil, "p-cd1", "p-cd1")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-cd1", RuleIDs: []string{"r-cd1-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-cd1-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("CPUHot", "node-2", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("CPUHot")
		h.Clock.Advance(0)
		h.WaitForCursor(admitted.AlertID, 1)
		Eventually(h.Dispatch.Jobs).Should(HaveLen(1))

		h.Submit(types.Event{Kind: types.EventResolve, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), ResolveReason: "fixed"})
		h.WaitForStatus(admitted.AlertID, types.AlertStatusResolved)

		// 30s later, still inside the 5-minute critical cooldown: the second
		// occurrence is recorded suppressed, not admitted.
		h.Clock.Advance(30 * time.Second)
		h.Submit(ingressEvent("CPUHot", "node-2", types.SeverityCritical, false, h.Clock.NowWall()))
		Eventually(func() int { return len(h.AllAlerts()) }, time.Second, 2*time.Millisecond).Should(Equal(2))
		for _, a := range h.AllAlerts() {
			if a.AlertID != admitted.AlertID {
				Expect(a.Status).To(Equal(types.AlertStatusSuppressed))
			}
		}
	})

	It("re-admits immediately when the first alert never emitted a notification", func() {
		h := newHarness(nil, "p-cd2", "p-cd2")
		defer h.Close()

		// A policy whose only rule is an hour out: nothing notifies before
		// the resolve, so no cooldown is armed.
		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-cd2", RuleIDs: []string{"r-cd2-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-cd2-0", Trigger: types.TriggerTimeBased, Delay: time.Hour, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("CPUHot", "node-3", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("CPUHot")

		h.Submit(types.Event{Kind: types.EventResolve, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), ResolveReason: "fixed"})
		h.WaitForStatus(admitted.AlertID, types.AlertStatusResolved)

		h.Clock.Advance(30 * time.Second)
		h.Submit(ingressEvent("CPUHot", "node-3", types.SeverityCritical, false, h.Clock.NowWall()))

		Eventually(func() int {
			n := 0
			for _, a := range h.AllAlerts() {
				if a.Status == types.AlertStatusActive {
					n++
				}
			}
			return n
		}, time.Second, 2*time.Millisecond).Should(Equal(1))
	})
})

// An ingress matching an active, notification-suppressing maintenance
// window is recorded suppressed and never reaches the policy/remediation path.
var _ = Describe("maintenance window suppression", func() {
	It("records a suppressed alert and emits nothing", func() {
		h := newHarness(nil, "p-s3", "p-s3")
		defer h.Close()

		start := h.Clock.NowWall()
		h.PutWindow(types.MaintenanceWindow{
			WindowID: "w1", SourceSelector: "svc-a",
			Start: start.Add(-time.Minute), End: start.Add(10 * time.Minute),
			SuppressNotifications: true,
		})

		h.Submit(ingressEvent("HighLoad", "svc-a", types.SeverityWarning, false, h.Clock.NowWall()))
		suppressed := h.WaitForAlertByRule("HighLoad")
		Expect(suppressed.Status).To(Equal(types.AlertStatusSuppressed))

		Consistently(h.Dispatch.Jobs, 50*time.Millisecond, 5*time.Millisecond).Should(BeEmpty())
		Consistently(h.Launch.Launched, 50*time.Millisecond, 5*time.Millisecond).Should(BeEmpty())
	})
})

// A constitutional-flagged alert escalates to its team's resolved
// contact and auto-launches remediation, but a successful result only
// records the outcome — it never self-resolves without an explicit human
// Resolve.
var _ = Describe("constitutional alert requires explicit resolution", func() {
	It("escalates via team resolution and stays escalated after a successful remediation", func() {
		action := types.RemediationAction{ActionID: "quarantine_service", CommandTemplate: "/bin/quarantine {{service}}", Timeout: 5 * time.Second, Impact: types.ImpactMedium}
		h := newHarness(map[string]types.RemediationAction{"pgc:emergency": action}, "p-default", "p-const")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-const", RuleIDs: []string{"r-const-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-const-0", Trigger: types.TriggerConstitutionalViolation, Delay: 0, TargetTeamID: "team-const", Channel: types.ChannelWebhook})
		h.PutTeam(types.Team{TeamID: "team-const", MemberContactIDs: []string{"contact-const"}})

		h.Submit(ingressEvent("pgc", "governance", types.SeverityEmergency, true, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("pgc")
		Expect(admitted.CurrentPolicyID).To(Equal("p-const"))

		h.Clock.Advance(0)
		escalated := h.WaitForStatus(admitted.AlertID, types.AlertStatusEscalated)

		Eventually(h.Dispatch.Jobs).Should(HaveLen(1))
		job := h.Dispatch.Jobs()[0]
		Expect(job.ContactID).To(Equal("contact-const"))
		Expect(job.Channel).To(Equal(types.ChannelWebhook))

		Eventually(h.Launch.Launched).Should(HaveLen(1))
		execID := h.Launch.Launched()[0].Exec.ExecID

		h.Clock.Advance(3 * time.Second)
		h.Submit(types.Event{
			Kind: types.EventRemediationResult, AlertID: escalated.AlertID, Timestamp: h.Clock.NowWall(),
			RemediationExecID: execID, RemediationStatus: types.ExecutionSuccess,
		})

		Eventually(func() *bool {
			return h.Alert(escalated.AlertID).RemediationSuccess
		}, time.Second, 2*time.Millisecond).ShouldNot(BeNil())

		Consistently(func() types.AlertStatus {
			return h.Alert(escalated.AlertID).Status
		}, 100*time.Millisecond, 5*time.Millisecond).Should(Equal(types.AlertStatusEscalated))
	})
})

// An ack_timeout rule following a time_based rule must still fire once
// the prior rule has already moved the alert out of "active" — regression
// coverage for the ack_timeout trigger predicate fix.
var _ = Describe("escalation chain continues past the first time_based step", func() {
	It("fires the ack_timeout rule once its delay elapses on an un-acked, escalated alert", func() {
		h := newHarness(nil, "p-s5", "p-s5")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-s5", RuleIDs: []string{"r-s5-0", "r-s5-1"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-s5-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})
		h.PutRule(types.EscalationRule{RuleID: "r-s5-1", Trigger: types.TriggerAckTimeout, Delay: 10 * time.Minute, TargetContactID: "contact-1", Channel: types.ChannelWebhook})

		h.Submit(ingressEvent("PodCrashLoop", "pod-x", types.SeverityWarning, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("PodCrashLoop")

		h.Clock.Advance(0)
		h.WaitForCursor(admitted.AlertID, 1)
		Eventually(h.Dispatch.Jobs).Should(HaveLen(1))

		h.Clock.Advance(10 * time.Minute)
		final := h.WaitForCursor(admitted.AlertID, 2)
		Expect(final.EscalationLevel).To(Equal(2))

		Eventually(h.Dispatch.Jobs).Should(HaveLen(2))
		jobs := h.Dispatch.Jobs()
		Expect(jobs[1].Channel).To(Equal(types.ChannelWebhook))
	})
})

// A remediation whose impact requires approval is gated: it is created
// pending and never auto-launched. A grant launches it; a denial is folded
// back as a negative remediation outcome that advances escalation like any
// other failure.
var _ = Describe("approval-gated remediation", func() {
	It("launches on grant", func() {
		action := types.RemediationAction{ActionID: "lockdown", CommandTemplate: "/bin/lockdown {{service}}", Timeout: 5 * time.Second, Impact: types.ImpactHigh}
		h := newHarness(map[string]types.RemediationAction{"Breach:critical": action}, "p-s6g", "p-s6g")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-s6g", RuleIDs: []string{"r-s6g-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-s6g-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelSlack})

		h.Submit(ingressEvent("Breach", "gateway", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("Breach")
		h.Clock.Advance(0)
		escalated := h.WaitForStatus(admitted.AlertID, types.AlertStatusEscalated)

		Eventually(h.Dispatch.Jobs).Should(HaveLen(2)) // escalation notify + approval request
		templates := make([]string, 0, 2)
		for _, j := range h.Dispatch.Jobs() {
			templates = append(templates, j.TemplateID)
		}
		Expect(templates).To(ContainElement("remediation.approval_request"))

		Consistently(h.Launch.Launched, 50*time.Millisecond, 5*time.Millisecond).Should(BeEmpty())

		execs := h.ExecutionsForAlert(escalated.AlertID)
		Expect(execs).To(HaveLen(1))
		Expect(execs[0].Status).To(Equal(types.ExecutionPending))

		h.Submit(types.Event{Kind: types.EventApprovalDecision, ApprovalExecID: execs[0].ExecID, ApprovalGrant: true, Timestamp: h.Clock.NowWall()})

		Eventually(h.Launch.Launched).Should(HaveLen(1))
		Expect(h.Launch.Launched()[0].Action.ActionID).To(Equal("lockdown"))
	})

	It("advances escalation as a negative outcome on deny, and never launches", func() {
		action := types.RemediationAction{ActionID: "lockdown", CommandTemplate: "/bin/lockdown {{service}}", Timeout: 5 * time.Second, Impact: types.ImpactHigh}
		h := newHarness(map[string]types.RemediationAction{"Breach:critical": action}, "p-s6d", "p-s6d")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-s6d", RuleIDs: []string{"r-s6d-0", "r-s6d-1"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-s6d-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelSlack})
		h.PutRule(types.EscalationRule{RuleID: "r-s6d-1", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("Breach", "gateway-2", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("Breach")
		h.Clock.Advance(0)
		escalated := h.WaitForCursor(admitted.AlertID, 1)

		execs := h.ExecutionsForAlert(escalated.AlertID)
		Expect(execs).To(HaveLen(1))

		h.Submit(types.Event{Kind: types.EventApprovalDecision, ApprovalExecID: execs[0].ExecID, ApprovalGrant: false, Timestamp: h.Clock.NowWall()})

		final := h.WaitForCursor(escalated.AlertID, 2)
		Expect(final.RemediationSuccess).NotTo(BeNil())
		Expect(*final.RemediationSuccess).To(BeFalse())
		Expect(final.EscalationLevel).To(Equal(2))

		Consistently(h.Launch.Launched, 50*time.Millisecond, 5*time.Millisecond).Should(BeEmpty())
		Expect(h.Execution(execs[0].ExecID).Status).To(Equal(types.ExecutionCancelled))
	})
})
