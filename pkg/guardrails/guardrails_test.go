package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/policy"
)

func guardrailContext() *policy.EvaluationContext {
	return &policy.EvaluationContext{
		Intent: contracts.Intent{
			ID:         "intent-1",
			IntentType: "deploy",
			Context:    map[string]interface{}{"environment": "production"},
		},
		Entity: policy.EntityContext{
			ID: "agent-1", Type: "agent", TrustScore: 700, TrustBand: "T3",
		},
		Environment: policy.EnvironmentContext{
			Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		},
	}
}

func TestNoRulesAllows(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	v := e.Check(context.Background(), "tenant-1", guardrailContext())
	assert.True(t, v.Allowed)
}

func TestPassingAndViolatedRules(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	require.NoError(t, e.SetRules("tenant-1", []Rule{
		{ID: "trusted-only", Expression: `entity.trust_score >= 500`},
		{ID: "no-prod-deploys", Expression: `!(intent.type == "deploy" && intent.environment == "production")`, Message: "production deploys are gated"},
	}))

	v := e.Check(context.Background(), "tenant-1", guardrailContext())
	require.False(t, v.Allowed)
	assert.Equal(t, "no-prod-deploys", v.ViolatedRule)
	assert.Equal(t, "production deploys are gated", v.Message)

	staging := guardrailContext()
	staging.Intent.Context["environment"] = "staging"
	assert.True(t, e.Check(context.Background(), "tenant-1", staging).Allowed)
}

func TestRulesAreTenantScoped(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	require.NoError(t, e.SetRules("tenant-1", []Rule{
		{ID: "deny-all", Expression: `false`},
	}))

	assert.False(t, e.Check(context.Background(), "tenant-1", guardrailContext()).Allowed)
	assert.True(t, e.Check(context.Background(), "tenant-2", guardrailContext()).Allowed)
}

func TestBrokenRuleRejectedAtSetTime(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	err = e.SetRules("tenant-1", []Rule{{ID: "bad", Expression: `intent.type ==`}})
	assert.Error(t, err)
	assert.Empty(t, e.Rules("tenant-1"))
}

func TestEvaluationErrorDenies(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	// Compiles against DynType but fails at runtime: no such key.
	require.NoError(t, e.SetRules("tenant-1", []Rule{
		{ID: "missing-key", Expression: `intent.nonexistent_key == "x"`},
	}))

	v := e.Check(context.Background(), "tenant-1", guardrailContext())
	assert.False(t, v.Allowed)
	assert.Equal(t, "missing-key", v.ViolatedRule)
}
