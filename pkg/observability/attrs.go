package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine-specific semantic convention attributes.
var (
	AttrTenantID   = attribute.Key("covenant.tenant.id")
	AttrAgentID    = attribute.Key("covenant.agent.id")
	AttrIntentID   = attribute.Key("covenant.intent.id")
	AttrIntentType = attribute.Key("covenant.intent.type")

	AttrDecision          = attribute.Key("covenant.decision.action")
	AttrDecisionLatencyMs = attribute.Key("covenant.decision.latency_ms")
	AttrAppliedPolicy     = attribute.Key("covenant.policy.applied")

	AttrTrustScore = attribute.Key("covenant.trust.score")
	AttrTrustBand  = attribute.Key("covenant.trust.band")

	AttrEscalationID     = attribute.Key("covenant.escalation.id")
	AttrEscalationStatus = attribute.Key("covenant.escalation.status")

	AttrProofKind = attribute.Key("covenant.proof.kind")
	AttrProofHash = attribute.Key("covenant.proof.hash")
)

// DecisionAttrs builds the attribute set for one decision.
func DecisionAttrs(tenantID, agentID, intentType, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAgentID.String(agentID),
		AttrIntentType.String(intentType),
		AttrDecision.String(action),
	}
}

// TrustAttrs builds the attribute set for a trust transition.
func TrustAttrs(agentID string, score int, band string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrTrustScore.Int(score),
		AttrTrustBand.String(band),
	}
}

// EscalationAttrs builds the attribute set for an escalation transition.
func EscalationAttrs(tenantID, escalationID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrEscalationID.String(escalationID),
		AttrEscalationStatus.String(status),
	}
}

// AddSpanEvent adds an event to the span in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError records an error on the span in the context, if any.
func SetSpanError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
