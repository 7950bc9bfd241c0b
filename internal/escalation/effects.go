package escalation

import "github.com/constitutional-mesh/iaer/pkg/types"

// TimerAction tells applyEffects what to do with the alert's escalation
// timer after a transition commits.
type TimerAction int

const (
	TimerNone TimerAction = iota
	TimerReschedule
	TimerCancel
)

// pendingExecution is a RemediationExecution a transition wants created,
// optionally launched immediately when it clears the approval gate.
type pendingExecution struct {
	exec       types.RemediationExecution
	action     types.RemediationAction
	autoLaunch bool
}

// effects is everything a decide function wants to happen once its Store
// Update commits. Applying them is deferred until after commit so a replayed
// decision (on version_mismatch) never double-fires external work.
type effects struct {
	jobs          []types.NotificationJob
	cancelJobIDs  []string
	newExecutions []pendingExecution
	cancelExecIDs []string
	timerAction   TimerAction
	selfEvents    []types.Event
}
