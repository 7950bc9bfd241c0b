package types

import "time"

// TriggerKind is the condition under which an EscalationRule fires.
type TriggerKind string

const (
	TriggerAckTimeout             TriggerKind = "ack_timeout"
	TriggerSeverityIncrease       TriggerKind = "severity_increase"
	TriggerNoResponse             TriggerKind = "no_response"
	TriggerConstitutionalViolation TriggerKind = "constitutional_violation"
	TriggerTimeBased              TriggerKind = "time_based"
)

// EscalationRule is a (trigger, delay, target, channel) tuple.
// Target is contact XOR team: exactly one of ContactID/TeamID is set.
type EscalationRule struct {
	RuleID           string        `db:"rule_id" yaml:"rule_id"`
	Trigger          TriggerKind   `db:"trigger" yaml:"trigger"`
	Delay            time.Duration `db:"delay" yaml:"delay"`
	TargetContactID  string        `db:"target_contact_id" yaml:"target_contact_id,omitempty"`
	TargetTeamID     string        `db:"target_team_id" yaml:"target_team_id,omitempty"`
	Channel          ChannelKind   `db:"channel" yaml:"channel"`
	Impact           bool          `db:"impact_flag" yaml:"impact_flag"`
	SeverityThreshold Severity     `db:"severity_threshold" yaml:"severity_threshold,omitempty"`
}

// TargetsTeam reports whether the rule's target is a team rather than a direct contact.
func (r EscalationRule) TargetsTeam() bool {
	return r.TargetTeamID != ""
}

// EscalationPolicy is an ordered list of rules plus limits.
type EscalationPolicy struct {
	PolicyID          string   `db:"policy_id" yaml:"policy_id"`
	RuleIDs           []string `db:"rule_ids" yaml:"rule_ids"`
	MaxEscalations    int      `db:"max_escalations" yaml:"max_escalations"`
	SeverityFilter    []Severity `db:"severity_filter" yaml:"severity_filter,omitempty"`
	ConstitutionalOnly bool    `db:"constitutional_only" yaml:"constitutional_only"`
}

// NotificationTerminalStatus is the closed set of terminal states for a job.
type NotificationTerminalStatus string

const (
	NotificationDelivered      NotificationTerminalStatus = "delivered"
	NotificationFailedPermanent NotificationTerminalStatus = "failed-permanent"
	NotificationCancelled      NotificationTerminalStatus = "cancelled"
)

// NotificationJob is a unit of delivery work.
type NotificationJob struct {
	JobID              string                      `db:"job_id" yaml:"job_id"`
	Version            int64                       `db:"version" yaml:"-"`
	AlertID            string                      `db:"alert_id" yaml:"alert_id"`
	ContactID          string                      `db:"contact_id" yaml:"contact_id"`
	Channel            ChannelKind                 `db:"channel" yaml:"channel"`
	TemplateID         string                      `db:"template_id" yaml:"template_id"`
	Variables          map[string]string           `db:"variables" yaml:"variables"`
	Priority           int                         `db:"priority" yaml:"priority"`
	ScheduledNotBefore time.Time                   `db:"scheduled_not_before" yaml:"scheduled_not_before"`
	Attempts           int                         `db:"attempts" yaml:"attempts"`
	TerminalStatus     *NotificationTerminalStatus `db:"terminal_status" yaml:"terminal_status,omitempty"`
	DeliveredAt        *time.Time                  `db:"delivered_at" yaml:"delivered_at,omitempty"`
	CursorVersion      int64                       `db:"cursor_version" yaml:"cursor_version"`
	ConstitutionalFlag bool                        `db:"constitutional_flag" yaml:"constitutional_flag"`
	CreatedAt          time.Time                   `db:"created_at" yaml:"created_at"`
}

// IsTerminal reports whether the job has reached a closed state.
func (j *NotificationJob) IsTerminal() bool {
	return j.TerminalStatus != nil
}
