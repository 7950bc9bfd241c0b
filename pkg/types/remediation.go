package types

import "time"

// RemediationAction is a static definition of an external corrective action.
type RemediationAction struct {
	ActionID         string        `db:"action_id" yaml:"action_id"`
	CommandTemplate  string        `db:"command_template" yaml:"command_template"`
	Timeout          time.Duration `db:"timeout" yaml:"timeout"`
	MaxRetries       int           `db:"max_retries" yaml:"max_retries"`
	RequiresApproval bool          `db:"requires_approval" yaml:"requires_approval"`
	Impact           Impact        `db:"impact" yaml:"impact"`
}

// NeedsApprovalGate reports whether the action must wait for an ApprovalDecision
// before the Executor may run it.
func (a RemediationAction) NeedsApprovalGate() bool {
	return a.RequiresApproval || a.Impact == ImpactHigh || a.Impact == ImpactCritical
}

// ExecutionStatus is the RemediationExecution state set.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionApproved  ExecutionStatus = "approved"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution is in a closed state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionTimeout, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// RemediationExecution is a runtime instance of a RemediationAction for an alert.
type RemediationExecution struct {
	ExecID        string          `db:"exec_id" yaml:"exec_id"`
	Version       int64           `db:"version" yaml:"-"`
	ActionID      string          `db:"action_id" yaml:"action_id"`
	AlertID       string          `db:"alert_id" yaml:"alert_id"`
	Status        ExecutionStatus `db:"status" yaml:"status"`
	StartAt       *time.Time      `db:"start_at" yaml:"start_at,omitempty"`
	EndAt         *time.Time      `db:"end_at" yaml:"end_at,omitempty"`
	ExitCode      *int            `db:"exit_code" yaml:"exit_code,omitempty"`
	StdoutTail    string          `db:"stdout_tail" yaml:"stdout_tail,omitempty"`
	StderrTail    string          `db:"stderr_tail" yaml:"stderr_tail,omitempty"`
	CursorVersion int64           `db:"cursor_version" yaml:"cursor_version"`
	ConstitutionalFlag bool       `db:"constitutional_flag" yaml:"constitutional_flag"`
	CreatedAt     time.Time       `db:"created_at" yaml:"created_at"`
}

// RemediationContext is the restricted, explicit variable set the Executor may
// interpolate into a command template.
type RemediationContext struct {
	Service  string
	AlertID  string
	Severity Severity
	Source   string
	Labels   map[string]string // only the keys named by the action's allowed label set
}

// AllowedPlaceholders is the fixed placeholder vocabulary a command template may use.
// Anything outside this set is a configuration error rejected at load time.
var AllowedPlaceholders = map[string]bool{
	"service":  true,
	"alert_id": true,
	"severity": true,
	"source":   true,
}
