package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func validDefinition() contracts.PolicyDefinition {
	return contracts.PolicyDefinition{
		Version: "1.0",
		Rules: []contracts.PolicyRule{
			{
				ID: "r1", Name: "deny prod deletes", Priority: 10, Enabled: true,
				When: contracts.Condition{
					Type: contracts.ConditionField, Field: "intent.environment",
					Operator: contracts.OpEquals, Value: "production",
				},
				Then: contracts.PolicyAction{Action: contracts.ActionDeny, Reason: "no prod deletes"},
			},
		},
		DefaultAction: contracts.ActionAllow,
	}
}

func codes(res contracts.ValidationResult) []string {
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestValidDefinitionPasses(t *testing.T) {
	res := ValidateDefinition(validDefinition())
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestDefinitionVersionGate(t *testing.T) {
	def := validDefinition()
	def.Version = ""
	assert.Contains(t, codes(ValidateDefinition(def)), "MISSING_VERSION")

	def.Version = "2.0"
	assert.Contains(t, codes(ValidateDefinition(def)), "UNSUPPORTED_VERSION")

	def.Version = "1.1"
	assert.Contains(t, codes(ValidateDefinition(def)), "UNSUPPORTED_VERSION",
		"no 1.1 schema exists to accept")

	def.Version = "1.0"
	assert.True(t, ValidateDefinition(def).Valid)
}

func TestDefinitionRuleChecks(t *testing.T) {
	def := validDefinition()
	def.Rules = append(def.Rules, def.Rules[0]) // duplicate id
	assert.Contains(t, codes(ValidateDefinition(def)), "DUPLICATE_RULE_ID")

	def = validDefinition()
	def.Rules[0].ID = "  "
	assert.Contains(t, codes(ValidateDefinition(def)), "MISSING_RULE_ID")

	def = validDefinition()
	def.Rules[0].Name = ""
	assert.Contains(t, codes(ValidateDefinition(def)), "MISSING_RULE_NAME")

	def = validDefinition()
	def.Rules[0].Then.Action = "obliterate"
	assert.Contains(t, codes(ValidateDefinition(def)), "INVALID_ACTION")

	def = validDefinition()
	def.DefaultAction = "whatever"
	assert.Contains(t, codes(ValidateDefinition(def)), "INVALID_ACTION")

	def = validDefinition()
	def.Rules = nil
	assert.Contains(t, codes(ValidateDefinition(def)), "MISSING_RULES")
}

func TestDefinitionEscalationTarget(t *testing.T) {
	def := validDefinition()
	def.Rules[0].Then.Action = contracts.ActionEscalate
	def.Rules[0].Then.Escalation = &contracts.EscalationSpec{To: "", Timeout: "5m"}
	assert.Contains(t, codes(ValidateDefinition(def)), "MISSING_ESCALATION_TARGET")
}

func TestDefinitionConditionChecks(t *testing.T) {
	def := validDefinition()
	def.Rules[0].When = contracts.Condition{Type: contracts.ConditionField, Field: "x", Operator: "resembles"}
	assert.Contains(t, codes(ValidateDefinition(def)), "INVALID_OPERATOR")

	def.Rules[0].When = contracts.Condition{Type: contracts.ConditionCompound, Operator: "and"}
	assert.Contains(t, codes(ValidateDefinition(def)), "EMPTY_COMPOUND")

	def.Rules[0].When = contracts.Condition{Type: contracts.ConditionTrust, Operator: contracts.OpGreaterThanOrEqual, Band: "T9"}
	assert.Contains(t, codes(ValidateDefinition(def)), "INVALID_BAND")

	def.Rules[0].When = contracts.Condition{Type: contracts.ConditionTime, Field: "minute", Operator: contracts.OpEquals, Value: float64(0)}
	assert.Contains(t, codes(ValidateDefinition(def)), "INVALID_TIME_FIELD")

	def.Rules[0].When = contracts.Condition{Type: "geo"}
	assert.Contains(t, codes(ValidateDefinition(def)), "INVALID_CONDITION_TYPE")
}

func TestNestedConditionPaths(t *testing.T) {
	def := validDefinition()
	def.Rules[0].When = contracts.Condition{
		Type: contracts.ConditionCompound, Operator: "and",
		Conditions: []contracts.Condition{
			{Type: contracts.ConditionField, Field: "a", Operator: contracts.OpEquals},
			{Type: contracts.ConditionField, Field: "b", Operator: "bogus"},
		},
	}
	res := ValidateDefinition(def)
	require.False(t, res.Valid)

	var found bool
	for _, e := range res.Errors {
		if e.Code == "INVALID_OPERATOR" {
			assert.Equal(t, "rules[0].when.conditions[1].operator", e.Path)
			found = true
		}
	}
	assert.True(t, found)
}
