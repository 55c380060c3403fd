// Package coordinator drives the decision pipeline. Every request walks
// the same stages: security pre-check, policy load, trust lookup,
// guardrail check, evaluation, then either a final action or an
// escalation, with proof events recorded along the way. The request
// deadline is observed at every stage boundary.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/escalation"
	"github.com/covenant-labs/covenant/pkg/guardrails"
	"github.com/covenant-labs/covenant/pkg/policy"
	"github.com/covenant-labs/covenant/pkg/proofchain"
	"github.com/covenant-labs/covenant/pkg/security"
	"github.com/covenant-labs/covenant/pkg/tenants"
	"github.com/covenant-labs/covenant/pkg/tiers"
	"github.com/covenant-labs/covenant/pkg/trust"
)

// DefaultNamespace is the policy namespace consulted when the intent does
// not name one.
const DefaultNamespace = "default"

// AttestationSource resolves the currently held attestations for an agent.
// A nil source means no agent is certified.
type AttestationSource interface {
	Attestations(ctx context.Context, agentID string) ([]contracts.Attestation, error)
}

// Coordinator wires the subsystems into one decision path. Per-agent
// serialization of score updates and proof appends lives in the trust
// engine and the proof recorder; the coordinator itself holds no lock
// across I/O.
type Coordinator struct {
	policies    *policy.Loader
	evaluator   *policy.Evaluator
	trust       *trust.Engine
	escalations *escalation.Manager
	recorder    *proofchain.Recorder
	emitter     *proofchain.Emitter
	logger      *slog.Logger
	clock       func() time.Time

	gate         *security.Gate
	rails        *guardrails.Engine
	registry     tenants.Registry
	agents       trust.AgentDirectory
	attestations AttestationSource
	namespace    string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGate wires the security gate run before any policy work.
func WithGate(g *security.Gate) Option {
	return func(c *Coordinator) { c.gate = g }
}

// WithGuardrails wires the tenant guardrail engine.
func WithGuardrails(e *guardrails.Engine) Option {
	return func(c *Coordinator) { c.rails = e }
}

// WithRegistry wires tenant lifecycle checks; suspended tenants are
// rejected before any other work.
func WithRegistry(r tenants.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithAgentDirectory wires agent metadata lookup for tier computation.
func WithAgentDirectory(d trust.AgentDirectory) Option {
	return func(c *Coordinator) { c.agents = d }
}

// WithAttestations wires certification lookup.
func WithAttestations(s AttestationSource) Option {
	return func(c *Coordinator) { c.attestations = s }
}

// WithNamespace overrides the default policy namespace.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) { c.namespace = ns }
}

// WithCoordinatorClock overrides the clock for deterministic testing.
func WithCoordinatorClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// New creates a coordinator over the required subsystems.
func New(policies *policy.Loader, evaluator *policy.Evaluator, trustEngine *trust.Engine,
	escalations *escalation.Manager, recorder *proofchain.Recorder, emitter *proofchain.Emitter,
	logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		policies:    policies,
		evaluator:   evaluator,
		trust:       trustEngine,
		escalations: escalations,
		recorder:    recorder,
		emitter:     emitter,
		logger:      logger,
		clock:       time.Now,
		namespace:   DefaultNamespace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide runs one request through the pipeline and returns the reply. The
// request's DeadlineMs bounds the whole walk; exceeding it at any stage
// boundary returns TIMEOUT.
func (c *Coordinator) Decide(ctx context.Context, req *contracts.DecisionRequest) (*contracts.DecisionReply, error) {
	start := c.clock()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	if err := c.checkTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	// The intent proof is recorded before any checks run so every request
	// leaves a trace, and synchronously so it always precedes the decision
	// event in the agent's chain.
	_, err := c.recorder.Record(ctx, req.TenantID, req.AgentID, contracts.ProofIntentReceived,
		map[string]interface{}{
			"intent_id":   req.Intent.ID,
			"intent_type": req.Intent.IntentType,
		})
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "record intent proof: %v", err)
	}

	if err := deadline(ctx); err != nil {
		return nil, err
	}

	attestations := c.loadAttestations(ctx, req.AgentID)
	ceiling := contextCeilingOf(req.Intent)

	// security_pre_check
	if c.gate != nil {
		tier, err := c.effectiveTier(ctx, req.AgentID, attestations, ceiling)
		if err != nil {
			return nil, err
		}
		if err := c.gate.Validate(ctx, req, tier); err != nil {
			var boundary *contracts.Error
			if errors.As(err, &boundary) && boundary.Code == contracts.CodeForbidden {
				effective, terr := c.trust.Effective(ctx, req.AgentID, attestations, ceiling)
				if terr != nil {
					return nil, terr
				}
				return c.finish(ctx, req, start, effective, contracts.ActionDeny, boundary.Message, nil, "")
			}
			return nil, err
		}
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	// load_policies
	policies, err := c.policies.Load(ctx, req.TenantID, namespaceOf(req.Intent, c.namespace))
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load policies: %v", err)
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	// trust_lookup
	effective, err := c.trust.Effective(ctx, req.AgentID, attestations, ceiling)
	if err != nil {
		return nil, err
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	ec := &policy.EvaluationContext{
		Intent: req.Intent,
		Entity: policy.EntityContext{
			ID:         req.AgentID,
			Type:       "agent",
			TrustScore: effective.Score,
			TrustBand:  effective.Band,
		},
		Environment: policy.EnvironmentContext{
			Timestamp: c.clock(),
			RequestID: uuid.New().String(),
		},
	}

	if c.rails != nil {
		if v := c.rails.Check(ctx, req.TenantID, ec); !v.Allowed {
			return c.finish(ctx, req, start, effective, contracts.ActionDeny, v.Message, nil, "")
		}
	}

	// evaluate
	result := c.evaluator.Evaluate(policies, ec, nil)

	if result.FinalAction == contracts.ActionEscalate {
		esc, err := c.openEscalation(ctx, req, result)
		if err != nil {
			return nil, err
		}
		return c.finish(ctx, req, start, effective, contracts.ActionEscalate, result.Reason, result.Constraints, esc.ID)
	}
	return c.finish(ctx, req, start, effective, result.FinalAction, result.Reason, result.Constraints, "")
}

// ResolveEscalation applies a reviewer's resolution and re-enters the
// pipeline at the evaluate step: approved becomes allow with the
// escalated rule's constraints, rejected becomes deny.
func (c *Coordinator) ResolveEscalation(ctx context.Context, tenantID, escalationID, resolution, resolvedBy, notes string) (*contracts.DecisionReply, error) {
	start := c.clock()

	esc, err := c.escalations.Resolve(ctx, tenantID, escalationID, resolution, resolvedBy, notes)
	if err != nil {
		return nil, err
	}

	effective, err := c.trust.Effective(ctx, esc.EntityID, c.loadAttestations(ctx, esc.EntityID), nil)
	if err != nil {
		return nil, err
	}

	action := contracts.ActionDeny
	reason := "escalation rejected by " + resolvedBy
	var constraints map[string]interface{}
	if esc.Status == contracts.EscalationApproved {
		action = contracts.ActionAllow
		reason = "escalation approved by " + resolvedBy
		constraints = escalatedConstraints(esc)
	}

	req := &contracts.DecisionRequest{
		TenantID: esc.TenantID,
		AgentID:  esc.EntityID,
		Intent:   contracts.Intent{ID: esc.IntentID},
	}
	return c.finish(ctx, req, start, effective, action, reason, constraints, esc.ID)
}

// HandleTimeout materializes the decision for a timed-out escalation. It
// is registered as the escalation manager's timeout handler. With
// auto-deny set the decision is a deny; otherwise it falls back to the
// originating policy's default action, captured in the escalation
// context when the escalation opened. An escalating or missing default
// fails closed to deny. No caller waits on a timeout sweep, so the
// proof goes through the async emitter.
func (c *Coordinator) HandleTimeout(ctx context.Context, esc *contracts.Escalation) {
	action := contracts.ActionDeny
	if !esc.AutoDeny {
		action = timeoutDefaultAction(esc)
	}
	c.emitter.Emit(ctx, "timeout:"+esc.ID, esc.TenantID, esc.EntityID, contracts.ProofDecisionMade,
		map[string]interface{}{
			"intent_id":     esc.IntentID,
			"escalation_id": esc.ID,
			"action":        string(action),
			"reason":        "escalation timed out",
		})
	c.logger.Info("escalation timeout materialized",
		"tenant_id", esc.TenantID, "escalation_id", esc.ID,
		"intent_id", esc.IntentID, "action", string(action))
}

// timeoutDefaultAction resolves the fallback action for an escalation
// that timed out without auto-deny.
func timeoutDefaultAction(esc *contracts.Escalation) contracts.Action {
	if esc.Context != nil {
		if raw, ok := esc.Context["default_action"].(string); ok {
			switch action := contracts.Action(raw); action {
			case contracts.ActionAllow, contracts.ActionDeny, contracts.ActionLimit,
				contracts.ActionMonitor, contracts.ActionTerminate:
				return action
			}
		}
	}
	return contracts.ActionDeny
}

// finish records the decision_made proof synchronously so the reply can
// carry its hash, then builds the reply.
func (c *Coordinator) finish(ctx context.Context, req *contracts.DecisionRequest, start time.Time,
	effective contracts.EffectiveTrust, action contracts.Action, reason string,
	constraints map[string]interface{}, escalationID string) (*contracts.DecisionReply, error) {

	payload := map[string]interface{}{
		"intent_id": req.Intent.ID,
		"action":    string(action),
		"score":     effective.Score,
		"band":      effective.Band,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if escalationID != "" {
		payload["escalation_id"] = escalationID
	}

	event, err := c.recorder.Record(ctx, req.TenantID, req.AgentID, contracts.ProofDecisionMade, payload)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "record decision proof: %v", err)
	}

	return &contracts.DecisionReply{
		Action:         action,
		Reason:         reason,
		Constraints:    constraints,
		EscalationID:   escalationID,
		ProofHash:      event.Hash,
		EffectiveTrust: effective,
		DurationMs:     c.clock().Sub(start).Milliseconds(),
	}, nil
}

func (c *Coordinator) openEscalation(ctx context.Context, req *contracts.DecisionRequest, result *policy.Result) (*contracts.Escalation, error) {
	spec := result.Escalation
	if spec == nil {
		spec = &contracts.EscalationSpec{}
	}

	escalatedTo := spec.To
	if escalatedTo == "" {
		escalatedTo = "ops"
	}

	escCtx := map[string]interface{}{
		"intent_type": req.Intent.IntentType,
	}
	if result.AppliedPolicy != "" {
		escCtx["applied_policy"] = result.AppliedPolicy
	}
	if result.Constraints != nil {
		escCtx["constraints"] = result.Constraints
	}
	if result.DefaultAction != "" {
		escCtx["default_action"] = string(result.DefaultAction)
	}

	priority := contracts.PriorityMedium
	if security.HighValue(req.Intent) {
		priority = contracts.PriorityHigh
	}

	return c.escalations.Create(ctx, escalation.CreateRequest{
		TenantID:        req.TenantID,
		IntentID:        req.Intent.ID,
		EntityID:        req.AgentID,
		Reason:          result.Reason,
		Priority:        priority,
		EscalatedTo:     escalatedTo,
		EscalatedBy:     req.AgentID,
		Context:         escCtx,
		RequestedAction: contracts.ActionAllow,
		AutoDeny:        spec.AutoDenyOnTimeout,
		TimeoutMinutes:  timeoutMinutes(spec.Timeout),
	})
}

func (c *Coordinator) checkTenant(ctx context.Context, tenantID string) error {
	if c.registry == nil {
		return nil
	}
	tenant, err := c.registry.Get(ctx, tenantID)
	if err != nil {
		return contracts.Errorf(contracts.CodeInternal, "load tenant: %v", err)
	}
	if tenant == nil {
		return contracts.Errorf(contracts.CodeUnauthorized, "unknown tenant %s", tenantID)
	}
	if !tenant.Active() {
		return contracts.Errorf(contracts.CodeForbidden, "tenant %s is %s", tenant.ID, tenant.Status)
	}
	return nil
}

func (c *Coordinator) effectiveTier(ctx context.Context, agentID string, attestations []contracts.Attestation, ceiling *tiers.ContextCeiling) (tiers.Band, error) {
	agent := &contracts.Agent{ID: agentID}
	if c.agents != nil {
		found, err := c.agents.GetAgent(ctx, agentID)
		if err == nil && found != nil {
			agent = found
		}
	}
	return c.trust.EffectiveTier(ctx, agent, attestations, ceiling)
}

func (c *Coordinator) loadAttestations(ctx context.Context, agentID string) []contracts.Attestation {
	if c.attestations == nil {
		return nil
	}
	atts, err := c.attestations.Attestations(ctx, agentID)
	if err != nil {
		c.logger.Warn("attestation lookup failed, treating agent as uncertified",
			"agent_id", agentID, "error", err)
		return nil
	}
	return atts
}

func validateRequest(req *contracts.DecisionRequest) error {
	if req == nil {
		return contracts.NewError(contracts.CodeValidation, "request is required")
	}
	if req.TenantID == "" || req.AgentID == "" {
		return contracts.NewError(contracts.CodeValidation, "tenant_id and agent_id are required")
	}
	if req.Intent.ID == "" || req.Intent.IntentType == "" {
		return contracts.NewError(contracts.CodeValidation, "intent.id and intent.intent_type are required")
	}
	return nil
}

// deadline reports TIMEOUT once the request deadline has passed. Called
// at every stage boundary.
func deadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return contracts.NewError(contracts.CodeTimeout, "request deadline exceeded")
	default:
		return nil
	}
}

func namespaceOf(intent contracts.Intent, fallback string) string {
	if ns, ok := intent.Context["namespace"].(string); ok && ns != "" {
		return ns
	}
	return fallback
}

// contextCeilingOf derives the deployment ceiling from the intent context,
// when the caller declares one.
func contextCeilingOf(intent contracts.Intent) *tiers.ContextCeiling {
	raw, ok := intent.Context["max_tier"].(string)
	if !ok || raw == "" {
		return nil
	}
	band, err := tiers.ParseBandAlias(raw)
	if err != nil {
		return nil
	}
	return &tiers.ContextCeiling{MaxTier: band}
}

func escalatedConstraints(esc *contracts.Escalation) map[string]interface{} {
	if esc.Context == nil {
		return nil
	}
	if m, ok := esc.Context["constraints"].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func timeoutMinutes(s string) int {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	return minutes
}
