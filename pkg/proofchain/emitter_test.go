package proofchain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func TestEmitterDeliversAsync(t *testing.T) {
	r, _ := newTestRecorder()
	e := NewEmitter(r, nil, 16)

	e.Emit(context.Background(), "decision:intent-1", "tenant-1", "agent-1",
		contracts.ProofDecisionMade, map[string]interface{}{"action": "allow"})
	e.Close()

	chain, err := r.Chain(context.Background(), "tenant-1", "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, contracts.ProofDecisionMade, chain[0].Kind)
}

func TestEmitterDeduplicatesByKey(t *testing.T) {
	r, _ := newTestRecorder()
	e := NewEmitter(r, nil, 16)

	for i := 0; i < 3; i++ {
		e.Emit(context.Background(), "decision:intent-1", "tenant-1", "agent-1",
			contracts.ProofDecisionMade, map[string]interface{}{"attempt": i})
	}
	e.Close()

	chain, err := r.Chain(context.Background(), "tenant-1", "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, chain, 1, "redelivery of the same key must not append")
}

func TestEmitterDistinctKeysAllRecorded(t *testing.T) {
	r, _ := newTestRecorder()
	e := NewEmitter(r, nil, 16)

	e.Emit(context.Background(), "intent:intent-1", "tenant-1", "agent-1",
		contracts.ProofIntentReceived, nil)
	e.Emit(context.Background(), "decision:intent-1", "tenant-1", "agent-1",
		contracts.ProofDecisionMade, nil)
	e.Close()

	chain, err := r.Chain(context.Background(), "tenant-1", "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, chain[0].Hash, chain[1].PrevHash, "async emission preserves linkage")
}

func TestEmitterRecordsSynchronouslyAfterClose(t *testing.T) {
	r, _ := newTestRecorder()
	e := NewEmitter(r, nil, 16)
	e.Close()

	// Shutdown must not lose late emissions.
	e.Emit(context.Background(), "late:intent-9", "tenant-1", "agent-1",
		contracts.ProofDecisionMade, nil)

	chain, err := r.Chain(context.Background(), "tenant-1", "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestTrustSinkRecordsDeltas(t *testing.T) {
	r, _ := newTestRecorder()
	e := NewEmitter(r, nil, 16)
	sink := NewTrustSink(e, "tenant-1")

	require.NoError(t, sink.TrustDelta(context.Background(), "agent-1", map[string]interface{}{
		"score": 620, "band": "T3", "delta": 12, "reason_code": "success",
	}))
	require.NoError(t, sink.TierChanged(context.Background(), "agent-1", map[string]interface{}{
		"score": 620, "band": "T3",
	}))
	e.Close()

	chain, err := r.Chain(context.Background(), "tenant-1", "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, contracts.ProofTrustDelta, chain[0].Kind)
}
