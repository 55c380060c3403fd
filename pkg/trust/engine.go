package trust

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

// AgentDirectory resolves agent metadata for the identity and context
// components. A nil directory means every agent scores with defaults.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error)
}

// DeltaSink receives trust-change notifications for the proof chain.
type DeltaSink interface {
	TrustDelta(ctx context.Context, entityID string, payload map[string]interface{}) error
	TierChanged(ctx context.Context, entityID string, payload map[string]interface{}) error
}

// InvalidationHook is called after a score changes so caches can drop the
// agent's entry.
type InvalidationHook func(agentID string)

// persistence retry bounds for transient store failures.
const (
	persistAttempts   = 3
	persistBackoffMin = 50 * time.Millisecond
	persistBackoffMax = 500 * time.Millisecond
)

// Engine ingests trust signals and recomputes scores. Updates for one
// agent are serialized by a per-agent lock; different agents proceed in
// parallel.
type Engine struct {
	store   Store
	agents  AgentDirectory
	limiter SourceLimiter
	sink    DeltaSink
	logger  *slog.Logger
	clock   func() time.Time

	hookMu sync.Mutex
	hooks  []InvalidationHook

	locks sync.Map // agent id -> *sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAgentDirectory wires agent metadata lookup.
func WithAgentDirectory(d AgentDirectory) EngineOption {
	return func(e *Engine) { e.agents = d }
}

// WithLimiter wires the per-source rate limiter.
func WithLimiter(l SourceLimiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithDeltaSink wires the proof-chain notification sink.
func WithDeltaSink(s DeltaSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a trust engine over a signal store.
func NewEngine(store Store, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnInvalidation registers a cache-invalidation hook.
func (e *Engine) OnInvalidation(fn InvalidationHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

func (e *Engine) agentLock(agentID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(agentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Ingest validates, persists, and applies one trust signal, returning the
// resulting score transition. Unknown signal types are dropped with a
// warning and a nil delta. Duplicate (source, id) pairs are ignored.
func (e *Engine) Ingest(ctx context.Context, in contracts.SignalInput) (*contracts.TrustDelta, error) {
	if strings.TrimSpace(in.EntityID) == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "signal entity_id is required")
	}
	if strings.TrimSpace(in.Source) == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "signal source is required")
	}
	if !KnownSignalType(in.Type) {
		e.logger.Warn("dropping signal with unknown type",
			"entity_id", in.EntityID, "type", in.Type, "source", in.Source)
		return nil, nil
	}

	if e.limiter != nil {
		allowed, err := e.limiter.Allow(ctx, in.Source)
		if err != nil {
			// A broken limiter must not block ingestion; log and continue.
			e.logger.Warn("rate limiter unavailable", "source", in.Source, "error", err)
		} else if !allowed {
			return nil, contracts.Errorf(contracts.CodeRateLimited,
				"signal source %s exceeded its hourly rate limit", in.Source)
		}
	}

	now := e.clock()
	weight := in.Weight
	if weight == 0 {
		weight = 1
	}
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	sig := contracts.TrustSignal{
		ID:        id,
		EntityID:  in.EntityID,
		Type:      in.Type,
		Value:     in.Value,
		Weight:    weight,
		Source:    in.Source,
		Timestamp: now, // server-assigned; caller timestamps are ignored
		Metadata:  in.Metadata,
	}

	mu := e.agentLock(in.EntityID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.persist(ctx, func() error { return e.store.SaveSignal(ctx, sig) }); err != nil {
		if err == ErrDuplicateSignal {
			e.logger.Debug("duplicate signal ignored", "source", sig.Source, "id", sig.ID)
			return nil, nil
		}
		return nil, contracts.Errorf(contracts.CodeInternal, "persist signal: %v", err)
	}

	return e.recompute(ctx, in.EntityID, sig.Type, now)
}

// Recompute replays the agent's signal history and persists the resulting
// score without ingesting a new signal.
func (e *Engine) Recompute(ctx context.Context, agentID string) (*contracts.TrustDelta, error) {
	mu := e.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()
	return e.recompute(ctx, agentID, "recompute", e.clock())
}

func (e *Engine) recompute(ctx context.Context, agentID, reason string, now time.Time) (*contracts.TrustDelta, error) {
	signals, err := e.store.ListSignals(ctx, agentID)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load signals: %v", err)
	}

	var stats Stats
	for _, sig := range signals {
		stats.Accumulate(sig)
	}

	meta := e.agentMeta(ctx, agentID)
	behavioral := Behavioral(stats)
	compliance := Compliance(stats)
	identity := Identity(meta)
	contextComp := Context(meta)
	raw := Composite(behavioral, compliance, identity, contextComp)

	prev, err := e.store.GetScore(ctx, agentID)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load score: %v", err)
	}

	lastActivity := now
	if !ResetsDecay(reason) && prev != nil && !prev.LastActivity.IsZero() {
		lastActivity = prev.LastActivity
	}

	score := tiers.ClampScore(ApplyDecay(raw, lastActivity, now))
	band := tiers.BandOf(score)

	prevScore := 0
	prevBand := tiers.T0
	if prev != nil {
		prevScore = prev.Score
		prevBand = tiers.BandOf(prev.Score)
	}

	row := contracts.TrustScore{
		AgentID:      agentID,
		Score:        score,
		Band:         band.String(),
		Behavioral:   behavioral,
		Compliance:   compliance,
		Identity:     identity,
		Context:      contextComp,
		LastActivity: lastActivity,
		UpdatedAt:    now,
	}
	delta := contracts.TrustDelta{
		AgentID:    agentID,
		At:         now,
		Score:      score,
		Band:       band.String(),
		Delta:      score - prevScore,
		ReasonCode: reason,
	}

	if err := e.persist(ctx, func() error { return e.store.SaveScore(ctx, row, delta) }); err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "persist score: %v", err)
	}

	e.notifyInvalidation(agentID)
	e.emit(ctx, agentID, delta, prevBand != band)
	return &delta, nil
}

// Effective computes the effective trust for an agent in a deployment:
// decayed runtime score adjusted by certification floor, certification
// ceiling, observability ceiling, and context ceiling, in that order.
func (e *Engine) Effective(ctx context.Context, agentID string, attestations []contracts.Attestation, contextCeiling *tiers.ContextCeiling) (contracts.EffectiveTrust, error) {
	now := e.clock()

	prev, err := e.store.GetScore(ctx, agentID)
	if err != nil {
		return contracts.EffectiveTrust{}, contracts.Errorf(contracts.CodeInternal, "load score: %v", err)
	}

	score := 0
	if prev != nil {
		score = ApplyDecay(prev.Score, prev.LastActivity, now)
	}

	certTier, certified := effectiveCertTier(attestations, now)
	if certified {
		if floor := tiers.CertificationFloor(certTier); score < floor {
			score = floor
		}
		if ceiling := tiers.CertificationCeiling(certTier); score > ceiling {
			score = ceiling
		}
	}

	obs := tiers.InferObservability(agentTierMeta(e.agentMeta(ctx, agentID)))
	if cap := obs.ScoreCeiling(); score > cap {
		score = cap
	}

	if contextCeiling != nil {
		if cap := contextCeiling.ScoreCeiling(); score > cap {
			score = cap
		}
	}

	score = tiers.ClampScore(score)
	return contracts.EffectiveTrust{Score: score, Band: tiers.BandOf(score).String()}, nil
}

// EffectiveTier computes the effective tier: the minimum of certification
// tier, competence ceiling, runtime tier, observability ceiling tier, and
// context ceiling.
func (e *Engine) EffectiveTier(ctx context.Context, agent *contracts.Agent, attestations []contracts.Attestation, contextCeiling *tiers.ContextCeiling) (tiers.Band, error) {
	now := e.clock()

	prev, err := e.store.GetScore(ctx, agent.ID)
	if err != nil {
		return tiers.T0, contracts.Errorf(contracts.CodeInternal, "load score: %v", err)
	}
	score := 0
	if prev != nil {
		score = ApplyDecay(prev.Score, prev.LastActivity, now)
	}
	tier := tiers.RuntimeTierOf(score)

	if certTier, certified := effectiveCertTier(attestations, now); certified {
		tier = tiers.MinBand(tier, certTier)
	}

	competence, err := tiers.ParseCompetence(agent.ACI.Competence)
	if err == nil {
		tier = tiers.MinBand(tier, competence.Ceiling())
	}

	obs := tiers.InferObservability(agentTierMeta(agent.Metadata))
	tier = tiers.MinBand(tier, tiers.BandOf(obs.ScoreCeiling()))

	if contextCeiling != nil {
		tier = tiers.MinBand(tier, contextCeiling.MaxTier)
	}
	return tier, nil
}

// effectiveCertTier is the maximum tier across currently-valid
// attestations; false if none are valid.
func effectiveCertTier(attestations []contracts.Attestation, now time.Time) (tiers.Band, bool) {
	best := tiers.T0
	found := false
	for _, a := range attestations {
		if !a.Valid(now) {
			continue
		}
		tier, err := tiers.ParseBandAlias(a.Tier)
		if err != nil {
			continue
		}
		found = true
		if tier > best {
			best = tier
		}
	}
	return best, found
}

func (e *Engine) agentMeta(ctx context.Context, agentID string) contracts.AgentMeta {
	if e.agents == nil {
		return contracts.AgentMeta{}
	}
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return contracts.AgentMeta{}
	}
	return agent.Metadata
}

func agentTierMeta(meta contracts.AgentMeta) tiers.AgentMetadata {
	return tiers.AgentMetadata{
		ObservabilityClass: meta.ObservabilityClass,
		VerificationProof:  meta.VerificationProof,
		AttestedProvider:   meta.AttestedProvider,
		SourceCodeURL:      meta.SourceCodeURL,
		LastAuditDate:      meta.LastAuditDate,
	}
}

func (e *Engine) notifyInvalidation(agentID string) {
	e.hookMu.Lock()
	hooks := append([]InvalidationHook(nil), e.hooks...)
	e.hookMu.Unlock()
	for _, fn := range hooks {
		fn(agentID)
	}
}

func (e *Engine) emit(ctx context.Context, agentID string, delta contracts.TrustDelta, bandChanged bool) {
	if e.sink == nil {
		return
	}
	payload := map[string]interface{}{
		"score":       delta.Score,
		"band":        delta.Band,
		"delta":       delta.Delta,
		"reason_code": delta.ReasonCode,
	}
	if err := e.sink.TrustDelta(ctx, agentID, payload); err != nil {
		e.logger.Warn("trust delta emission failed", "agent_id", agentID, "error", err)
	}
	if bandChanged {
		if err := e.sink.TierChanged(ctx, agentID, payload); err != nil {
			e.logger.Warn("tier change emission failed", "agent_id", agentID, "error", err)
		}
	}
}

// persist retries a store write with capped exponential backoff. Duplicate
// signals are returned immediately, not retried.
func (e *Engine) persist(ctx context.Context, fn func() error) error {
	backoff := persistBackoffMin
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = fn(); err == nil || err == ErrDuplicateSignal {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > persistBackoffMax {
			backoff = persistBackoffMax
		}
	}
	return err
}
