package policy

import (
	"log/slog"
	"sort"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// PolicyOutcome is the per-policy record inside an evaluation result.
type PolicyOutcome struct {
	PolicyID    string           `json:"policy_id"`
	PolicyName  string           `json:"policy_name"`
	Action      contracts.Action `json:"action"`
	Reason      string           `json:"reason,omitempty"`
	MatchedRule string           `json:"matched_rule,omitempty"`
	Matched     bool             `json:"matched"`
	DurationMs  int64            `json:"duration_ms"`
}

// Result is the combined outcome of evaluating a policy set.
type Result struct {
	Passed            bool                      `json:"passed"`
	FinalAction       contracts.Action          `json:"final_action"`
	Reason            string                    `json:"reason,omitempty"`
	Constraints       map[string]interface{}    `json:"constraints,omitempty"`
	Escalation        *contracts.EscalationSpec `json:"escalation,omitempty"`
	PoliciesEvaluated []PolicyOutcome           `json:"policies_evaluated"`
	AppliedPolicy     string                    `json:"applied_policy,omitempty"`
	DefaultAction     contracts.Action          `json:"default_action,omitempty"`
	TotalDurationMs   int64                     `json:"total_duration_ms"`
	EvaluatedAt       time.Time                 `json:"evaluated_at"`
}

// Evaluator runs applicable policies against a decision context. It is
// CPU-only: no I/O, no locks, deterministic for a given policy set and
// context.
type Evaluator struct {
	conditions *ConditionEvaluator
	clock      func() time.Time
}

// NewEvaluator creates an evaluator. A nil logger means slog.Default().
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{
		conditions: NewConditionEvaluator(logger),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (ev *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	ev.clock = clock
	return ev
}

// Applicable reports whether a policy's target matches the context. Absent
// target lists match everything; "*" is an explicit wildcard. When a
// namespace filter is given, the policy's declared namespaces must
// intersect it.
func Applicable(p *contracts.Policy, ctx *EvaluationContext, namespaceFilter []string) bool {
	t := p.Definition.Target
	if t == nil {
		return len(namespaceFilter) == 0 || containsString(namespaceFilter, p.Namespace)
	}

	if !matchList(t.IntentTypes, ctx.Intent.IntentType) {
		return false
	}
	if !matchList(t.EntityTypes, ctx.Entity.Type) {
		return false
	}
	if len(t.TrustBands) > 0 && !containsString(t.TrustBands, ctx.Entity.TrustBand) {
		return false
	}
	if len(namespaceFilter) > 0 {
		declared := t.Namespaces
		if len(declared) == 0 {
			declared = []string{p.Namespace}
		}
		if !intersects(declared, namespaceFilter) {
			return false
		}
	}
	return true
}

// Evaluate walks the applicable policies and combines their results. The
// first matched rule in a policy sets its action; later matches override
// only when strictly more restrictive; deny short-circuits the policy and
// the whole walk.
func (ev *Evaluator) Evaluate(policies []*contracts.Policy, ctx *EvaluationContext, namespaceFilter []string) *Result {
	start := ev.clock()
	result := &Result{
		FinalAction: contracts.ActionAllow,
		EvaluatedAt: start,
	}

	for _, p := range policies {
		if !Applicable(p, ctx, namespaceFilter) {
			continue
		}

		outcome, ruleAction := ev.evaluatePolicy(p, ctx)
		result.PoliciesEvaluated = append(result.PoliciesEvaluated, outcome)

		if result.AppliedPolicy == "" || contracts.MoreRestrictive(outcome.Action, result.FinalAction) {
			result.FinalAction = contracts.CombineActions(result.FinalAction, outcome.Action)
			if result.FinalAction == outcome.Action {
				result.AppliedPolicy = p.ID
				result.DefaultAction = p.Definition.DefaultAction
				result.Reason = outcome.Reason
				if ruleAction != nil {
					result.Constraints = ruleAction.Constraints
					result.Escalation = ruleAction.Escalation
				} else {
					result.Constraints = nil
					result.Escalation = nil
				}
			}
		}

		if result.FinalAction == contracts.ActionDeny {
			break
		}
	}

	result.Passed = result.FinalAction == contracts.ActionAllow
	result.TotalDurationMs = ev.clock().Sub(start).Milliseconds()
	return result
}

// evaluatePolicy runs one policy's rules in ascending priority (ties stable
// by rule id) and returns its outcome plus the winning rule action, if any.
func (ev *Evaluator) evaluatePolicy(p *contracts.Policy, ctx *EvaluationContext) (PolicyOutcome, *contracts.PolicyAction) {
	start := ev.clock()
	outcome := PolicyOutcome{PolicyID: p.ID, PolicyName: p.Name}

	rules := make([]contracts.PolicyRule, 0, len(p.Definition.Rules))
	for _, r := range p.Definition.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	var matched *contracts.PolicyAction
	for i := range rules {
		rule := &rules[i]
		if !ev.conditions.Evaluate(rule.When, ctx) {
			continue
		}

		if matched == nil || contracts.MoreRestrictive(rule.Then.Action, matched.Action) {
			matched = &rule.Then
			outcome.MatchedRule = rule.ID
		}
		if matched.Action == contracts.ActionDeny {
			break
		}
	}

	if matched != nil {
		outcome.Matched = true
		outcome.Action = matched.Action
		outcome.Reason = matched.Reason
	} else {
		outcome.Action = p.Definition.DefaultAction
		outcome.Reason = p.Definition.DefaultReason
	}
	outcome.DurationMs = ev.clock().Sub(start).Milliseconds()
	return outcome, matched
}

func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == "*" || item == value {
			return true
		}
	}
	return false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if containsString(b, x) {
			return true
		}
	}
	return false
}
