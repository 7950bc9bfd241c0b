package types

import "time"

// EventKind discriminates the Engine's event-loop inputs.
type EventKind string

const (
	EventIngressAlert       EventKind = "ingress_alert"
	EventAck                EventKind = "ack"
	EventResolve            EventKind = "resolve"
	EventTimer              EventKind = "timer"
	EventNotificationDelivered EventKind = "notification_delivered"
	EventNotificationFailed EventKind = "notification_failed"
	EventRemediationResult  EventKind = "remediation_result"
	EventApprovalDecision   EventKind = "approval_decision"
)

// Event is the single envelope the Engine's per-alert stream consumes. Exactly one
// of the typed payload fields is populated, matching the event's Kind.
type Event struct {
	Kind      EventKind
	AlertID   string
	Timestamp time.Time

	Ingress *IngressAlertEvent

	AckBy string

	ResolveReason string

	TimerCursorVersion int64

	NotificationJobID     string
	NotificationErr       error // set for EventNotificationFailed, classified permanent vs transient
	NotificationCancelled bool  // the job was cancelled before any attempt started

	RemediationExecID     string
	RemediationStatus     ExecutionStatus
	RemediationExitCode   *int
	RemediationStdoutTail string
	RemediationStderrTail string
	RemediationStartedAt  *time.Time

	ApprovalExecID string
	ApprovalGrant  bool
}
