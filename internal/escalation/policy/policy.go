// Package policy evaluates the two Escalation Engine triggers that benefit
// from operator-authored conditions — severity_increase and
// constitutional_violation — as Rego policies via
// github.com/open-policy-agent/opa, instead of hard-coded Go comparisons.
// This lets an operator tighten or loosen a trigger (e.g. require two
// consecutive constitutional flags, or compare against a per-team severity
// floor) without a code change.
package policy

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
)

// Input is the fact set a trigger policy evaluates against.
type Input struct {
	Severity           string `json:"severity"`
	SeverityRank       int    `json:"severity_rank"`
	SeverityThreshold  string `json:"severity_threshold"`
	ThresholdRank      int    `json:"threshold_rank"`
	ConstitutionalFlag bool   `json:"constitutional_flag"`
	EscalationLevel    int    `json:"escalation_level"`
	AlertStatus        string `json:"alert_status"`
}

// DefaultModule is the built-in policy used when an operator supplies none.
// It reproduces the engine's stock trigger semantics in Rego so the
// default behavior is expressible and auditable the same way an override
// would be.
const DefaultModule = `
package iaer.escalation

default severity_increase_matched = false

severity_increase_matched {
	input.severity_rank >= input.threshold_rank
}

default constitutional_violation_matched = false

constitutional_violation_matched {
	input.constitutional_flag == true
}
`

// Evaluator prepares and runs the trigger-matching queries once at
// construction so per-event evaluation avoids re-parsing the policy.
type Evaluator struct {
	severityQuery       rego.PreparedEvalQuery
	constitutionalQuery rego.PreparedEvalQuery
}

// NewEvaluator compiles module (a Rego policy source; pass DefaultModule for
// the built-in behavior) into prepared queries.
func NewEvaluator(ctx context.Context, module string) (*Evaluator, error) {
	e := &Evaluator{}

	sq, err := rego.New(
		rego.Query("data.iaer.escalation.severity_increase_matched"),
		rego.Module("escalation.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	e.severityQuery = sq

	cq, err := rego.New(
		rego.Query("data.iaer.escalation.constitutional_violation_matched"),
		rego.Module("escalation.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	e.constitutionalQuery = cq

	return e, nil
}

// SeverityIncreaseMatched evaluates the severity_increase trigger.
func (e *Evaluator) SeverityIncreaseMatched(ctx context.Context, in Input) (bool, error) {
	return evalBool(ctx, e.severityQuery, in)
}

// ConstitutionalViolationMatched evaluates the constitutional_violation trigger.
func (e *Evaluator) ConstitutionalViolationMatched(ctx context.Context, in Input) (bool, error) {
	return evalBool(ctx, e.constitutionalQuery, in)
}

func evalBool(ctx context.Context, q rego.PreparedEvalQuery, in Input) (bool, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	matched, _ := rs[0].Expressions[0].Value.(bool)
	return matched, nil
}
