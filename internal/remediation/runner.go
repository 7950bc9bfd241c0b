// Package remediation implements the Remediation Executor: a
// small worker pool that launches the external action a RemediationAction
// describes, enforces timeout/retry/impact limits, and reports exactly one
// RemediationResult per exec_id back to the Escalation Engine.
package remediation

import (
	"context"
	"fmt"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Outcome is the closed set of results a single attempt at running the
// external action can produce.
type Outcome int

const (
	Success Outcome = iota
	TimedOut
	CouldNotStart
	NonZeroExit
)

// RunResult is what a single Run call returns.
type RunResult struct {
	Outcome    Outcome
	ExitCode   int
	StdoutTail string
	StderrTail string
	Err        error
}

// Runner is the host-supplied capability that actually launches the action
// (an external process or an RPC), as an explicit, restricted template
// interpolation — never arbitrary shell evaluation.
type Runner interface {
	Run(ctx context.Context, commandTemplate string, variables map[string]string) RunResult
}

// RenderVariables builds the restricted, explicit placeholder set a command
// template may use.
func RenderVariables(rctx types.RemediationContext, allowedLabelKeys []string) map[string]string {
	vars := map[string]string{
		"service":  rctx.Service,
		"alert_id": rctx.AlertID,
		"severity": string(rctx.Severity),
		"source":   rctx.Source,
	}
	for _, k := range allowedLabelKeys {
		if v, ok := rctx.Labels[k]; ok {
			vars[k] = v
		}
	}
	return vars
}

// ValidatePlaceholders rejects a command template referencing a placeholder
// outside types.AllowedPlaceholders plus the action's own allowed label
// keys, at config load time rather than at run time.
func ValidatePlaceholders(commandTemplate string, allowedLabelKeys []string) error {
	allowed := make(map[string]bool, len(types.AllowedPlaceholders)+len(allowedLabelKeys))
	for k := range types.AllowedPlaceholders {
		allowed[k] = true
	}
	for _, k := range allowedLabelKeys {
		allowed[k] = true
	}
	for _, ph := range extractPlaceholders(commandTemplate) {
		if !allowed[ph] {
			return fmt.Errorf("remediation: placeholder %q is not in the allowed set", ph)
		}
	}
	return nil
}

// extractPlaceholders scans a `{{name}}` style template for placeholder
// names, without evaluating anything — the restricted vocabulary is matched
// by name only, never interpreted as an expression.
func extractPlaceholders(tmpl string) []string {
	var out []string
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := -1
			for j := i + 2; j+1 < len(tmpl); j++ {
				if tmpl[j] == '}' && tmpl[j+1] == '}' {
					end = j
					break
				}
			}
			if end == -1 {
				break
			}
			out = append(out, tmpl[i+2:end])
			i = end + 1
		}
	}
	return out
}
