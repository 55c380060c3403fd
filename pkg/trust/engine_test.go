package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/tiers"
)

type stubDirectory struct {
	agents map[string]*contracts.Agent
}

func (d *stubDirectory) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	return d.agents[agentID], nil
}

type recordingSink struct {
	deltas      []map[string]interface{}
	tierChanges []map[string]interface{}
}

func (s *recordingSink) TrustDelta(ctx context.Context, entityID string, payload map[string]interface{}) error {
	s.deltas = append(s.deltas, payload)
	return nil
}

func (s *recordingSink) TierChanged(ctx context.Context, entityID string, payload map[string]interface{}) error {
	s.tierChanges = append(s.tierChanges, payload)
	return nil
}

func newTestEngine(opts ...EngineOption) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := []EngineOption{WithClock(func() time.Time { return now })}
	return NewEngine(store, nil, append(base, opts...)...), store
}

func TestIngestComputesScore(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	var delta *contracts.TrustDelta
	var err error
	for i := 0; i < 20; i++ {
		delta, err = e.Ingest(ctx, contracts.SignalInput{
			EntityID: "agent-1", Type: SignalSuccess, Value: 10, Source: "executor",
		})
		require.NoError(t, err)
	}
	require.NotNil(t, delta)
	assert.Greater(t, delta.Score, 500, "20 clean successes should land above mid-scale")
	assert.Equal(t, tiers.BandOf(delta.Score).String(), delta.Band)
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	_, err := e.Ingest(ctx, contracts.SignalInput{Type: SignalSuccess, Source: "s"})
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeValidation, boundary.Code)

	_, err = e.Ingest(ctx, contracts.SignalInput{EntityID: "a", Type: SignalSuccess})
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeValidation, boundary.Code)
}

func TestIngestDropsUnknownTypes(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine()

	delta, err := e.Ingest(ctx, contracts.SignalInput{
		EntityID: "agent-1", Type: "vibes", Source: "executor",
	})
	require.NoError(t, err)
	assert.Nil(t, delta)

	signals, err := store.ListSignals(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, signals, "unknown types are not persisted")
}

func TestIngestDeduplicatesRedelivery(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine()

	in := contracts.SignalInput{
		ID: "evt-42", EntityID: "agent-1", Type: SignalSuccess, Source: "executor",
	}
	first, err := e.Ingest(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The same (source, id) delivered again is a no-op.
	again, err := e.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, again)

	signals, err := store.ListSignals(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, signals, 1)

	// A different source may reuse the id.
	other, err := e.Ingest(ctx, contracts.SignalInput{
		ID: "evt-42", EntityID: "agent-1", Type: SignalSuccess, Source: "auditor",
	})
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestIngestRateLimited(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(WithLimiter(NewLocalLimiter(2)))

	for i := 0; i < 2; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{
			EntityID: "agent-1", Type: SignalSuccess, Source: "chatty",
		})
		require.NoError(t, err)
	}

	_, err := e.Ingest(ctx, contracts.SignalInput{
		EntityID: "agent-1", Type: SignalSuccess, Source: "chatty",
	})
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeRateLimited, boundary.Code)
}

func TestFailuresDragScoreDown(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	var clean, dirty int
	for i := 0; i < 20; i++ {
		d, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "clean", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
		clean = d.Score
	}
	for i := 0; i < 10; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "dirty", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		d, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "dirty", Type: SignalFailure, Source: "s"})
		require.NoError(t, err)
		dirty = d.Score
	}
	assert.Less(t, dirty, clean)
}

func TestViolationsLowerCompliance(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	before, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalCompliancePass, Source: "audit"})
	require.NoError(t, err)

	after, err := e.Ingest(ctx, contracts.SignalInput{
		EntityID: "agent-1", Type: SignalViolation, Source: "audit",
		Metadata: map[string]interface{}{"severity": "critical"},
	})
	require.NoError(t, err)
	assert.Less(t, after.Score, before.Score)
}

func TestDecayAppliedOnEffectiveLookup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	e := NewEngine(store, nil, WithClock(func() time.Time { return now }))

	for i := 0; i < 20; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
	}
	fresh, err := e.Effective(ctx, "agent-1", nil, nil)
	require.NoError(t, err)

	// Backdate activity by 28 days: retention drops to 75%.
	store.touch("agent-1", now.AddDate(0, 0, -28))
	stale, err := e.Effective(ctx, "agent-1", nil, nil)
	require.NoError(t, err)
	assert.Less(t, stale.Score, fresh.Score)
	assert.InDelta(t, float64(fresh.Score)*0.75, float64(stale.Score), 1.0)
}

func TestSuccessResetsDecayClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	e := NewEngine(store, nil, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
	}
	store.touch("agent-1", now.AddDate(0, 0, -56))

	// A new success resets last activity to now; the recomputed score
	// carries no decay.
	delta, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
	require.NoError(t, err)

	row, err := store.GetScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, now, row.LastActivity)
	assert.Equal(t, delta.Score, row.Score)
}

func TestCertificationFloorAndCeiling(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	att := contracts.Attestation{
		Tier: "T4", IssuedAt: now.AddDate(0, -1, 0), ExpiresAt: now.AddDate(0, 1, 0),
	}

	// Unscored agent with a T4 attestation is floored at T4's lower bound.
	eff, err := e.Effective(ctx, "agent-1", []contracts.Attestation{att}, nil)
	require.NoError(t, err)
	assert.Equal(t, tiers.T4.MinBandScore(), eff.Score)
	assert.Equal(t, "T4", eff.Band)

	// An expired attestation contributes nothing.
	expired := att
	expired.ExpiresAt = now.AddDate(0, -1, 0).Add(time.Hour)
	eff, err = e.Effective(ctx, "agent-2", []contracts.Attestation{expired}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, eff.Score)
}

func TestObservabilityAndContextCeilings(t *testing.T) {
	ctx := context.Background()
	dir := &stubDirectory{agents: map[string]*contracts.Agent{
		"agent-1": {
			ID: "agent-1",
			ACI: contracts.AgentIdentity{
				Registry: "reg", Organization: "org", AgentClass: "worker", Competence: "expert",
			},
			Metadata: contracts.AgentMeta{
				VerificationLevel: "enterprise",
				CertificateStatus: "certified+",
				Environment:       "sandbox",
				// No observability markers: black box, ceiling 600.
			},
		},
	}}
	e, _ := newTestEngine(WithAgentDirectory(dir))

	for i := 0; i < 30; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
	}

	eff, err := e.Effective(ctx, "agent-1", nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, eff.Score, 600, "black box observability caps the score")

	capped, err := e.Effective(ctx, "agent-1", nil, &tiers.ContextCeiling{MaxTier: tiers.T1})
	require.NoError(t, err)
	assert.LessOrEqual(t, capped.Score, tiers.T1.MaxBandScore())
}

func TestBandChangeEmitsTierChanged(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e, _ := newTestEngine(WithDeltaSink(sink))

	for i := 0; i < 20; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
	}
	assert.Len(t, sink.deltas, 20, "every applied signal emits a trust delta")
	assert.NotEmpty(t, sink.tierChanges, "crossing a band boundary emits a tier change")
	assert.Less(t, len(sink.tierChanges), len(sink.deltas))
}

func TestInvalidationHookFires(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	var invalidated []string
	e.OnInvalidation(func(agentID string) { invalidated = append(invalidated, agentID) })

	_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, invalidated)
}

func TestSignalsNotTransferableAcrossAgents(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()

	for i := 0; i < 20; i++ {
		_, err := e.Ingest(ctx, contracts.SignalInput{EntityID: "agent-1", Type: SignalSuccess, Source: "s"})
		require.NoError(t, err)
	}

	other, err := e.Effective(ctx, "agent-2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, other.Score)
}
