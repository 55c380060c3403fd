package proofchain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func TestSQLiteRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	r := NewRecorder(store, nil, WithRecorderClock(func() time.Time { return chainNow }))
	ctx := context.Background()

	first, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofIntentReceived,
		map[string]interface{}{"intent_id": "intent-1"})
	require.NoError(t, err)
	second, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade,
		map[string]interface{}{"action": "allow"})
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PrevHash)

	head, err := store.Head(ctx, "tenant-1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, second.Hash, head.Hash)
	assert.Equal(t, "allow", head.Payload["action"])

	result, err := r.Verify(ctx, "tenant-1", second.Hash)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Depth)
}

func TestSQLiteBatchAnnotation(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	r := NewRecorder(store, nil,
		WithRecorderClock(func() time.Time { return chainNow }),
		WithBatchSize(2))
	ctx := context.Background()

	a, err := r.Record(ctx, "tenant-1", "agent-1", contracts.ProofDecisionMade, nil)
	require.NoError(t, err)
	_, err = r.Record(ctx, "tenant-1", "agent-2", contracts.ProofDecisionMade, nil)
	require.NoError(t, err)

	sealed, err := store.GetByHash(ctx, "tenant-1", a.Hash)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.BatchID)
	assert.NotEmpty(t, sealed.MerklePath)
}

func TestSQLiteCrossTenantReturnsNil(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	r := NewRecorder(store, nil, WithRecorderClock(func() time.Time { return chainNow }))
	event, err := r.Record(context.Background(), "tenant-1", "agent-1",
		contracts.ProofIntentReceived, nil)
	require.NoError(t, err)

	other, err := store.GetByHash(context.Background(), "tenant-2", event.Hash)
	require.NoError(t, err)
	assert.Nil(t, other)
}
