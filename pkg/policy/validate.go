package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

// definitionSchema is the coarse JSON Schema gate for policy definitions.
// The recursive condition-shape checks below produce the per-path errors;
// the schema catches gross structural problems early.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "rules", "default_action"],
  "properties": {
    "version": {"type": "string"},
    "target": {
      "type": "object",
      "properties": {
        "intent_types": {"type": "array", "items": {"type": "string"}},
        "entity_types": {"type": "array", "items": {"type": "string"}},
        "trust_bands": {"type": "array", "items": {"type": "string"}},
        "namespaces": {"type": "array", "items": {"type": "string"}}
      }
    },
    "rules": {"type": "array"},
    "default_action": {"type": "string"},
    "default_reason": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

var compiledDefinitionSchema = jsonschema.MustCompileString("policy-definition.json", definitionSchema)

// definitionVersions is the accepted definition version range. Only 1.0
// exists today; widen the constraint when a new schema version ships.
var definitionVersions = func() *semver.Constraints {
	c, err := semver.NewConstraint("=1.0.0")
	if err != nil {
		panic(err)
	}
	return c
}()

var validTimeFields = map[string]bool{"hour": true, "dayOfWeek": true, "day_of_week": true, "date": true}

var validFieldOps = map[string]bool{
	contracts.OpEquals: true, contracts.OpNotEquals: true,
	contracts.OpGreaterThan: true, contracts.OpLessThan: true,
	contracts.OpGreaterThanOrEqual: true, contracts.OpLessThanOrEqual: true,
	contracts.OpIn: true, contracts.OpNotIn: true,
	contracts.OpContains: true, contracts.OpNotContains: true,
	contracts.OpStartsWith: true, contracts.OpEndsWith: true,
	contracts.OpMatches: true, contracts.OpExists: true, contracts.OpNotExists: true,
}

// ValidateDefinition checks a policy definition. The result lists every
// problem with its JSON path, a message, and a machine code.
func ValidateDefinition(def contracts.PolicyDefinition) contracts.ValidationResult {
	var errs []contracts.ValidationError

	add := func(path, code, format string, args ...interface{}) {
		errs = append(errs, contracts.ValidationError{
			Path:    path,
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	// Coarse structural gate via JSON Schema.
	if raw, err := json.Marshal(def); err == nil {
		var generic interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err == nil {
			if err := compiledDefinitionSchema.Validate(generic); err != nil {
				add("definition", "SCHEMA_VIOLATION", "definition does not match schema: %v", err)
			}
		}
	}

	if def.Version == "" {
		add("version", "MISSING_VERSION", "definition version is required")
	} else if v, err := semver.NewVersion(def.Version); err != nil || !definitionVersions.Check(v) {
		add("version", "UNSUPPORTED_VERSION", "unsupported definition version %q, want 1.0", def.Version)
	}

	if !contracts.ValidAction(def.DefaultAction) {
		add("default_action", "INVALID_ACTION", "default action %q is not a valid action", def.DefaultAction)
	}

	if def.Rules == nil {
		add("rules", "MISSING_RULES", "rules must be an array")
	}

	seenRuleIDs := make(map[string]bool)
	for i, rule := range def.Rules {
		path := fmt.Sprintf("rules[%d]", i)

		if strings.TrimSpace(rule.ID) == "" {
			add(path+".id", "MISSING_RULE_ID", "rule id must be a non-empty string")
		} else if seenRuleIDs[rule.ID] {
			add(path+".id", "DUPLICATE_RULE_ID", "rule id %q appears more than once", rule.ID)
		} else {
			seenRuleIDs[rule.ID] = true
		}

		if strings.TrimSpace(rule.Name) == "" {
			add(path+".name", "MISSING_RULE_NAME", "rule name must be a non-empty string")
		}

		if !contracts.ValidAction(rule.Then.Action) {
			add(path+".then.action", "INVALID_ACTION", "rule action %q is not a valid action", rule.Then.Action)
		}
		if rule.Then.Action == contracts.ActionEscalate && rule.Then.Escalation != nil {
			if strings.TrimSpace(rule.Then.Escalation.To) == "" {
				add(path+".then.escalation.to", "MISSING_ESCALATION_TARGET", "escalation target is required")
			}
		}

		validateCondition(rule.When, path+".when", add)
	}

	return contracts.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateCondition(cond contracts.Condition, path string, add func(path, code, format string, args ...interface{})) {
	switch cond.Type {
	case contracts.ConditionField:
		if strings.TrimSpace(cond.Field) == "" {
			add(path+".field", "MISSING_FIELD", "field condition requires a field path")
		}
		if !validFieldOps[cond.Operator] {
			add(path+".operator", "INVALID_OPERATOR", "unknown field operator %q", cond.Operator)
		}

	case contracts.ConditionCompound:
		op := strings.ToLower(cond.Operator)
		if op != "and" && op != "or" && op != "not" {
			add(path+".operator", "INVALID_OPERATOR", "compound operator must be and, or, or not; got %q", cond.Operator)
		}
		if len(cond.Conditions) == 0 {
			add(path+".conditions", "EMPTY_COMPOUND", "compound condition requires nested conditions")
		}
		for i, nested := range cond.Conditions {
			validateCondition(nested, fmt.Sprintf("%s.conditions[%d]", path, i), add)
		}

	case contracts.ConditionTrust:
		if _, err := tiers.ParseBandAlias(cond.Band); err != nil {
			add(path+".band", "INVALID_BAND", "trust band %q is not in T0..T5", cond.Band)
		}
		switch cond.Operator {
		case contracts.OpEquals, contracts.OpNotEquals,
			contracts.OpGreaterThan, contracts.OpLessThan,
			contracts.OpGreaterThanOrEqual, contracts.OpLessThanOrEqual:
		default:
			add(path+".operator", "INVALID_OPERATOR", "unknown trust operator %q", cond.Operator)
		}

	case contracts.ConditionTime:
		if !validTimeFields[cond.Field] {
			add(path+".field", "INVALID_TIME_FIELD", "time field must be hour, dayOfWeek, or date; got %q", cond.Field)
		}

	default:
		add(path+".type", "INVALID_CONDITION_TYPE",
			"condition type must be field, compound, trust, or time; got %q", cond.Type)
	}
}
