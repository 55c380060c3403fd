package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func alwaysTrue() contracts.Condition {
	return contracts.Condition{
		Type:     contracts.ConditionField,
		Field:    "entity.type",
		Operator: contracts.OpExists,
	}
}

func makePolicy(id string, rules ...contracts.PolicyRule) *contracts.Policy {
	return &contracts.Policy{
		ID:        id,
		TenantID:  "tenant-1",
		Name:      id,
		Namespace: "default",
		Status:    contracts.PolicyPublished,
		Definition: contracts.PolicyDefinition{
			Version:       "1.0",
			Rules:         rules,
			DefaultAction: contracts.ActionAllow,
		},
	}
}

func rule(id string, priority int, action contracts.Action) contracts.PolicyRule {
	return contracts.PolicyRule{
		ID: id, Name: id, Priority: priority, Enabled: true,
		When: alwaysTrue(),
		Then: contracts.PolicyAction{Action: action, Reason: id},
	}
}

func TestEvaluateNoPoliciesAllows(t *testing.T) {
	ev := NewEvaluator(nil)
	res := ev.Evaluate(nil, testContext(), nil)
	assert.True(t, res.Passed)
	assert.Equal(t, contracts.ActionAllow, res.FinalAction)
	assert.Empty(t, res.PoliciesEvaluated)
}

func TestFirstMatchSetsAction(t *testing.T) {
	ev := NewEvaluator(nil)
	p := makePolicy("p1",
		rule("r1", 10, contracts.ActionMonitor),
		rule("r2", 20, contracts.ActionAllow), // less restrictive, cannot override
	)
	res := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)
	assert.Equal(t, contracts.ActionMonitor, res.FinalAction)
	assert.Equal(t, "r1", res.PoliciesEvaluated[0].MatchedRule)
}

func TestStrictlyMoreRestrictiveOverrides(t *testing.T) {
	ev := NewEvaluator(nil)
	p := makePolicy("p1",
		rule("r1", 10, contracts.ActionMonitor),
		rule("r2", 20, contracts.ActionEscalate),
	)
	res := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)
	assert.Equal(t, contracts.ActionEscalate, res.FinalAction)
	assert.Equal(t, "r2", res.PoliciesEvaluated[0].MatchedRule)
}

func TestDenyShortCircuits(t *testing.T) {
	ev := NewEvaluator(nil)
	p1 := makePolicy("p1", rule("r1", 10, contracts.ActionDeny))
	p2 := makePolicy("p2", rule("r2", 10, contracts.ActionAllow))

	res := ev.Evaluate([]*contracts.Policy{p1, p2}, testContext(), nil)
	assert.Equal(t, contracts.ActionDeny, res.FinalAction)
	assert.False(t, res.Passed)
	// Second policy never ran.
	require.Len(t, res.PoliciesEvaluated, 1)
	assert.Equal(t, "p1", res.AppliedPolicy)
}

func TestPriorityOrderWithStableTies(t *testing.T) {
	ev := NewEvaluator(nil)
	// Same priority: rule id order decides which matches first.
	p := makePolicy("p1",
		rule("b-rule", 10, contracts.ActionLimit),
		rule("a-rule", 10, contracts.ActionMonitor),
	)
	res := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)
	// a-rule runs first (monitor), b-rule (limit) is strictly more
	// restrictive and overrides.
	assert.Equal(t, contracts.ActionLimit, res.FinalAction)
}

func TestDisabledRulesSkipped(t *testing.T) {
	ev := NewEvaluator(nil)
	r := rule("r1", 10, contracts.ActionDeny)
	r.Enabled = false
	p := makePolicy("p1", r)

	res := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)
	assert.Equal(t, contracts.ActionAllow, res.FinalAction)
	assert.False(t, res.PoliciesEvaluated[0].Matched)
}

func TestDefaultActionWhenNoRuleMatches(t *testing.T) {
	ev := NewEvaluator(nil)
	r := rule("r1", 10, contracts.ActionDeny)
	r.When = contracts.Condition{
		Type: contracts.ConditionField, Field: "intent.missing", Operator: contracts.OpExists,
	}
	p := makePolicy("p1", r)
	p.Definition.DefaultAction = contracts.ActionMonitor
	p.Definition.DefaultReason = "fallback"

	res := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)
	assert.Equal(t, contracts.ActionMonitor, res.FinalAction)
	assert.Equal(t, "fallback", res.Reason)
}

func TestApplicableTargetFiltering(t *testing.T) {
	ctx := testContext() // intent type "deploy", entity type "agent", band T3

	cases := []struct {
		name   string
		target *contracts.PolicyTarget
		want   bool
	}{
		{"nil target matches", nil, true},
		{"intent type match", &contracts.PolicyTarget{IntentTypes: []string{"deploy"}}, true},
		{"intent type wildcard", &contracts.PolicyTarget{IntentTypes: []string{"*"}}, true},
		{"intent type mismatch", &contracts.PolicyTarget{IntentTypes: []string{"delete"}}, false},
		{"entity type mismatch", &contracts.PolicyTarget{EntityTypes: []string{"human"}}, false},
		{"trust band match", &contracts.PolicyTarget{TrustBands: []string{"T3"}}, true},
		{"trust band mismatch", &contracts.PolicyTarget{TrustBands: []string{"T5"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := makePolicy("p1")
			p.Definition.Target = tc.target
			assert.Equal(t, tc.want, Applicable(p, ctx, nil))
		})
	}
}

func TestApplicableNamespaceFilter(t *testing.T) {
	ctx := testContext()

	p := makePolicy("p1")
	p.Namespace = "payments"
	assert.True(t, Applicable(p, ctx, []string{"payments"}))
	assert.False(t, Applicable(p, ctx, []string{"billing"}))

	p.Definition.Target = &contracts.PolicyTarget{Namespaces: []string{"billing", "payments"}}
	assert.True(t, Applicable(p, ctx, []string{"billing"}))
}

func TestEvaluatorDeterministicWithFixedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := NewEvaluator(nil).WithClock(func() time.Time { return fixed })

	p := makePolicy("p1", rule("r1", 10, contracts.ActionLimit))
	a := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)
	b := ev.Evaluate([]*contracts.Policy{p}, testContext(), nil)

	assert.Equal(t, a.FinalAction, b.FinalAction)
	assert.Equal(t, a.AppliedPolicy, b.AppliedPolicy)
	assert.Equal(t, int64(0), a.TotalDurationMs)
	assert.Equal(t, fixed, a.EvaluatedAt)
}
