package escalation_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Once an alert reaches its terminal (resolved) state, ack/resolve/timer
// events are dropped rather than re-applied.
var _ = Describe("terminal alerts ignore further events", func() {
	It("drops ack, resolve, and timer events once resolved", func() {
		h := newHarness(nil, "p-i3", "p-i3")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-i3", RuleIDs: []string{"r-i3-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-i3-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("Flapping", "svc-z", types.SeverityWarning, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("Flapping")

		h.Submit(types.Event{Kind: types.EventResolve, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), ResolveReason: "manual"})
		resolved := h.WaitForStatus(admitted.AlertID, types.AlertStatusResolved)
		version := resolved.Version

		h.Submit(types.Event{Kind: types.EventAck, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), AckBy: "someone"})
		h.Submit(types.Event{Kind: types.EventResolve, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall()})
		h.Submit(types.Event{Kind: types.EventTimer, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), TimerCursorVersion: resolved.CursorVersion})

		Consistently(func() types.Alert {
			return h.Alert(admitted.AlertID)
		}, 100*time.Millisecond, 5*time.Millisecond).Should(Equal(func() types.Alert {
			a := h.Alert(admitted.AlertID)
			a.Version = version
			return a
		}()))
		Expect(h.Alert(admitted.AlertID).Version).To(Equal(version))
		Expect(h.Alert(admitted.AlertID).AckedAt).To(BeNil())
	})
})

// A NotificationJob's terminal status is set at most once, even if the
// Engine is handed conflicting or duplicate delivery outcomes.
var _ = Describe("notification terminal state is reached at most once", func() {
	It("keeps the first terminal outcome and ignores later ones", func() {
		h := newHarness(nil, "p-i5", "p-i5")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-i5", RuleIDs: []string{"r-i5-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-i5-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("NoisyProbe", "svc-n", types.SeverityInfo, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("NoisyProbe")
		h.Clock.Advance(0)
		h.WaitForCursor(admitted.AlertID, 1)

		Eventually(h.Dispatch.Jobs).Should(HaveLen(1))
		jobID := h.Dispatch.Jobs()[0].JobID

		h.Submit(types.Event{Kind: types.EventNotificationDelivered, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), NotificationJobID: jobID})

		Eventually(func() bool {
			return h.Job(jobID).TerminalStatus != nil
		}, time.Second, 2*time.Millisecond).Should(BeTrue())

		delivered := h.Job(jobID)
		Expect(*delivered.TerminalStatus).To(Equal(types.NotificationDelivered))
		Expect(delivered.DeliveredAt).NotTo(BeNil())
		versionAfterFirst := delivered.Version

		h.Submit(types.Event{Kind: types.EventNotificationFailed, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), NotificationJobID: jobID})
		h.Submit(types.Event{Kind: types.EventNotificationDelivered, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), NotificationJobID: jobID})

		Consistently(func() types.NotificationTerminalStatus {
			return *h.Job(jobID).TerminalStatus
		}, 100*time.Millisecond, 5*time.Millisecond).Should(Equal(types.NotificationDelivered))
		Expect(h.Job(jobID).Version).To(Equal(versionAfterFirst))
	})
})

// Once an alert's remediation mapping has fired, a later escalation
// step for the same alert never launches a second execution — even when a
// failed result re-advances the cursor into a rule whose (rule_name,
// severity) key maps to the same remediation action.
var _ = Describe("at most one remediation execution per alert", func() {
	It("does not re-launch remediation after a failure re-advances the cursor", func() {
		action := types.RemediationAction{ActionID: "drain_node", CommandTemplate: "/bin/drain {{service}}", Timeout: 5 * time.Second, Impact: types.ImpactMedium}
		h := newHarness(map[string]types.RemediationAction{"NodeNotReady:critical": action}, "p-i6", "p-i6")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-i6", RuleIDs: []string{"r-i6-0", "r-i6-1"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-i6-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelEmail})
		h.PutRule(types.EscalationRule{RuleID: "r-i6-1", Trigger: types.TriggerTimeBased, Delay: 0, TargetContactID: "contact-1", Channel: types.ChannelWebhook})

		h.Submit(ingressEvent("NodeNotReady", "node-9", types.SeverityCritical, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("NodeNotReady")
		h.Clock.Advance(0)
		h.WaitForCursor(admitted.AlertID, 1)

		Eventually(h.Launch.Launched).Should(HaveLen(1))
		execID := h.Launch.Launched()[0].Exec.ExecID

		h.Submit(types.Event{
			Kind: types.EventRemediationResult, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(),
			RemediationExecID: execID, RemediationStatus: types.ExecutionFailed,
		})

		final := h.WaitForCursor(admitted.AlertID, 2)
		Expect(final.EscalationLevel).To(Equal(2))
		Expect(final.RemediationSuccess).NotTo(BeNil())
		Expect(*final.RemediationSuccess).To(BeFalse())

		Consistently(h.Launch.Launched, 50*time.Millisecond, 5*time.Millisecond).Should(HaveLen(1))
	})
})

// A timer event carrying a stale cursor_version (one that no longer matches
// the alert's current cursor_version) is dropped rather than re-applied —
// the guard that lets a replaced or rescheduled timer race its
// predecessor's callback safely.
var _ = Describe("stale timer events are dropped", func() {
	It("ignores a timer whose cursor_version does not match the alert", func() {
		h := newHarness(nil, "p-stale", "p-stale")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-stale", RuleIDs: []string{"r-stale-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-stale-0", Trigger: types.TriggerTimeBased, Delay: 5 * time.Minute, TargetContactID: "contact-1", Channel: types.ChannelEmail})

		h.Submit(ingressEvent("SlowLeak", "svc-s", types.SeverityWarning, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("SlowLeak")

		h.Submit(types.Event{Kind: types.EventTimer, AlertID: admitted.AlertID, Timestamp: h.Clock.NowWall(), TimerCursorVersion: admitted.CursorVersion + 999})

		Consistently(func() int {
			return h.Alert(admitted.AlertID).CurrentRuleCursor
		}, 100*time.Millisecond, 5*time.Millisecond).Should(Equal(0))
		Consistently(h.Dispatch.Jobs, 50*time.Millisecond, 5*time.Millisecond).Should(BeEmpty())
	})
})

// On-call resolution falls back to the Engine's configured default contact
// when a rule targets a team with no active schedule and no members at all.
var _ = Describe("on-call resolution fallback", func() {
	It("resolves to the configured default contact for an unknown team", func() {
		h := newHarnessWithDefaultContact(nil, "p-fallback", "p-fallback", "fallback-contact")
		defer h.Close()

		h.PutPolicy(types.EscalationPolicy{PolicyID: "p-fallback", RuleIDs: []string{"r-fallback-0"}, MaxEscalations: 5})
		h.PutRule(types.EscalationRule{RuleID: "r-fallback-0", Trigger: types.TriggerTimeBased, Delay: 0, TargetTeamID: "team-none", Channel: types.ChannelSlack})

		h.Submit(ingressEvent("GhostTeam", "svc-g", types.SeverityWarning, false, h.Clock.NowWall()))
		admitted := h.WaitForAlertByRule("GhostTeam")
		h.Clock.Advance(0)
		h.WaitForCursor(admitted.AlertID, 1)

		Eventually(h.Dispatch.Jobs).Should(HaveLen(1))
		Expect(h.Dispatch.Jobs()[0].ContactID).To(Equal("fallback-contact"))
	})
})
