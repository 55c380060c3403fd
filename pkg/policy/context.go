// Package policy implements the policy subsystem: the structured condition
// evaluator, definition validation, the versioned tenant-scoped store, the
// two-level published-policy cache, and the deterministic evaluator.
package policy

import (
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// EntityContext describes the acting agent at evaluation time.
type EntityContext struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	TrustScore int                    `json:"trust_score"`
	TrustBand  string                 `json:"trust_band"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// EnvironmentContext carries request-scoped evaluation facts.
type EnvironmentContext struct {
	Timestamp time.Time `json:"timestamp"`
	Timezone  string    `json:"timezone,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// EvaluationContext is the full input to condition and policy evaluation.
type EvaluationContext struct {
	Intent      contracts.Intent       `json:"intent"`
	Entity      EntityContext          `json:"entity"`
	Environment EnvironmentContext     `json:"environment"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
}

// AsMap renders the context as the nested map field conditions resolve
// against. Intent context keys are merged under "intent" without overriding
// the fixed keys; snake_case and camelCase spellings both resolve.
func (c *EvaluationContext) AsMap() map[string]interface{} {
	intent := map[string]interface{}{}
	for k, v := range c.Intent.Context {
		intent[k] = v
	}
	intent["id"] = c.Intent.ID
	intent["type"] = c.Intent.IntentType
	intent["intent_type"] = c.Intent.IntentType
	intent["intentType"] = c.Intent.IntentType
	if c.Intent.Description != "" {
		intent["description"] = c.Intent.Description
	}

	entity := map[string]interface{}{
		"id":          c.Entity.ID,
		"type":        c.Entity.Type,
		"trust_score": c.Entity.TrustScore,
		"trustScore":  c.Entity.TrustScore,
		"trust_band":  c.Entity.TrustBand,
		"trustBand":   c.Entity.TrustBand,
	}
	if c.Entity.Attributes != nil {
		entity["attributes"] = c.Entity.Attributes
	}

	env := map[string]interface{}{
		"timestamp":  c.Environment.Timestamp.UTC().Format(time.RFC3339),
		"timezone":   c.Environment.Timezone,
		"request_id": c.Environment.RequestID,
		"requestId":  c.Environment.RequestID,
	}

	out := map[string]interface{}{
		"intent":      intent,
		"entity":      entity,
		"environment": env,
	}
	if c.Custom != nil {
		out["custom"] = c.Custom
	}
	return out
}
