package proofchain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

var chainNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestRecorder(opts ...RecorderOption) (*Recorder, *MemoryStore) {
	store := NewMemoryStore()
	base := []RecorderOption{WithRecorderClock(func() time.Time { return chainNow })}
	return NewRecorder(store, nil, append(base, opts...)...), store
}

func TestRecordLinksToGenesis(t *testing.T) {
	r, _ := newTestRecorder()

	event, err := r.Record(context.Background(), "tenant-1", "agent-1",
		contracts.ProofIntentReceived, map[string]interface{}{"intent_id": "intent-1"})
	require.NoError(t, err)

	assert.Equal(t, contracts.GenesisHash, event.PrevHash)
	assert.Len(t, event.Hash, 64)

	recomputed, err := EventHash(event)
	require.NoError(t, err)
	assert.Equal(t, event.Hash, recomputed)
}

func TestRecordChainsConsecutiveEvents(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()

	first, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofIntentReceived, nil)
	require.NoError(t, err)
	second, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade,
		map[string]interface{}{"action": "allow"})
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PrevHash)

	chain, err := r.Chain(ctx, "tenant-1", "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, first.Hash, chain[0].Hash)
}

func TestChainsIsolatedPerEntity(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()

	a, err := r.Record(ctx, "tenant-1", "agent-a", contracts.ProofIntentReceived, nil)
	require.NoError(t, err)
	b, err := r.Record(ctx, "tenant-1", "agent-b", contracts.ProofIntentReceived, nil)
	require.NoError(t, err)

	assert.Equal(t, contracts.GenesisHash, a.PrevHash)
	assert.Equal(t, contracts.GenesisHash, b.PrevHash, "each entity starts its own chain")
}

func TestVerifyWalksToGenesis(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()

	var last *contracts.ProofEvent
	var first *contracts.ProofEvent
	for i := 0; i < 5; i++ {
		event, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade,
			map[string]interface{}{"seq": i})
		require.NoError(t, err)
		if first == nil {
			first = event
		}
		last = event
	}

	result, err := r.Verify(ctx, "tenant-1", last.Hash)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Depth)
	assert.Equal(t, first.Hash, result.GenesisHash)
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	r, store := newTestRecorder()
	ctx := context.Background()

	tampered, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade,
		map[string]interface{}{"action": "deny"})
	require.NoError(t, err)
	last, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade,
		map[string]interface{}{"action": "allow"})
	require.NoError(t, err)

	store.Tamper("tenant-1", tampered.Hash, map[string]interface{}{"action": "allow"})

	result, err := r.Verify(ctx, "tenant-1", last.Hash)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, tampered.Hash, result.BrokenAt)
}

func TestVerifyUnknownHash(t *testing.T) {
	r, _ := newTestRecorder()

	_, err := r.Verify(context.Background(), "tenant-1", "deadbeef")
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeNotFound, boundary.Code)
}

func TestVerifyTenantScoped(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()

	event, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofIntentReceived, nil)
	require.NoError(t, err)

	_, err = r.Verify(ctx, "tenant-2", event.Hash)
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeNotFound, boundary.Code)
}

func TestBatchSealsAtSize(t *testing.T) {
	r, _ := newTestRecorder(WithBatchSize(4))
	ctx := context.Background()

	hashes := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		event, err := r.Record(ctx, "tenant-1", fmt.Sprintf("agent-%d", i),
			contracts.ProofDecisionMade, map[string]interface{}{"seq": i})
		require.NoError(t, err)
		hashes = append(hashes, event.Hash)
	}

	// Every sealed event carries its batch id and a verifying inclusion
	// path to the same root.
	root, _ := BuildTree(hashes)
	for _, hash := range hashes {
		event, err := r.store.GetByHash(ctx, "tenant-1", hash)
		require.NoError(t, err)
		require.NotEmpty(t, event.BatchID)
		require.NotEmpty(t, event.MerklePath)
		assert.True(t, VerifyInclusion(event.Hash, event.MerklePath, root))
	}
}

func TestBatchNotSealedBelowSize(t *testing.T) {
	r, _ := newTestRecorder(WithBatchSize(8))
	ctx := context.Background()

	event, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade, nil)
	require.NoError(t, err)

	stored, err := r.store.GetByHash(ctx, "tenant-1", event.Hash)
	require.NoError(t, err)
	assert.Empty(t, stored.BatchID)
	assert.Empty(t, stored.MerklePath)
}

func TestHashIgnoresPayloadKeyOrder(t *testing.T) {
	base := &contracts.ProofEvent{
		ID: "ev-1", TenantID: "tenant-1", EntityID: "agent-1",
		Kind: contracts.ProofDecisionMade, Timestamp: chainNow,
		PrevHash: contracts.GenesisHash,
	}

	first := *base
	first.Payload = map[string]interface{}{"a": 1, "b": 2}
	second := *base
	second.Payload = map[string]interface{}{"b": 2, "a": 1}

	h1, err := EventHash(&first)
	require.NoError(t, err)
	h2, err := EventHash(&second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
