package escalation

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/internal/store"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Definitions resolves the static configuration objects a decision needs:
// policies, rules, and the remediation mapping table.
type Definitions interface {
	Policy(ctx context.Context, policyID string) (*types.EscalationPolicy, error)
	Rule(ctx context.Context, ruleID string) (*types.EscalationRule, error)
	RemediationFor(ctx context.Context, ruleName string, severity types.Severity) (*types.RemediationAction, bool)
	Action(ctx context.Context, actionID string) (*types.RemediationAction, error)
}

// storeDefinitions reads policies and rules from the Store and looks up the
// remediation mapping table from an in-memory snapshot the host configures.
// An action id the Store does not hold is resolved from that snapshot.
type storeDefinitions struct {
	st   store.Store
	byRuleSeverity map[string]types.RemediationAction
}

// NewStoreDefinitions builds a Definitions backed by st, with remediation
// keyed by "rule_name:severity".
func NewStoreDefinitions(st store.Store, remediationTable map[string]types.RemediationAction) Definitions {
	return &storeDefinitions{st: st, byRuleSeverity: remediationTable}
}

func (d *storeDefinitions) Policy(ctx context.Context, policyID string) (*types.EscalationPolicy, error) {
	v, err := d.st.Get(ctx, store.KindPolicies, policyID)
	if err != nil {
		return nil, err
	}
	p, ok := v.(types.EscalationPolicy)
	if !ok {
		return nil, ierrors.NewInvariantViolation("record-shape", "store returned non-policy value for policies kind")
	}
	return &p, nil
}

func (d *storeDefinitions) Rule(ctx context.Context, ruleID string) (*types.EscalationRule, error) {
	v, err := d.st.Get(ctx, store.KindRules, ruleID)
	if err != nil {
		return nil, err
	}
	r, ok := v.(types.EscalationRule)
	if !ok {
		return nil, ierrors.NewInvariantViolation("record-shape", "store returned non-rule value for rules kind")
	}
	return &r, nil
}

func (d *storeDefinitions) Action(ctx context.Context, actionID string) (*types.RemediationAction, error) {
	v, err := d.st.Get(ctx, store.KindActions, actionID)
	if err != nil {
		if goerrors.Is(err, ierrors.ErrNotFound) {
			for _, a := range d.byRuleSeverity {
				if a.ActionID == actionID {
					return &a, nil
				}
			}
		}
		return nil, err
	}
	a, ok := v.(types.RemediationAction)
	if !ok {
		return nil, ierrors.NewInvariantViolation("record-shape", "store returned non-action value for actions kind")
	}
	return &a, nil
}

func (d *storeDefinitions) RemediationFor(ctx context.Context, ruleName string, severity types.Severity) (*types.RemediationAction, bool) {
	a, ok := d.byRuleSeverity[remediationKey(ruleName, severity)]
	if !ok {
		return nil, false
	}
	return &a, true
}

func remediationKey(ruleName string, severity types.Severity) string {
	return fmt.Sprintf("%s:%s", ruleName, severity)
}
