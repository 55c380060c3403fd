//go:build property
// +build property

package proofchain

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func TestChainProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("consecutive events link by hash", prop.ForAll(
		func(n int) bool {
			store := NewMemoryStore()
			r := NewRecorder(store, nil,
				WithRecorderClock(func() time.Time { return chainNow }))
			ctx := context.Background()

			prev := contracts.GenesisHash
			for i := 0; i < n; i++ {
				event, err := r.Record(ctx, "tenant-1", "agent-1",
					contracts.ProofDecisionMade, map[string]interface{}{"seq": i})
				if err != nil || event.PrevHash != prev {
					return false
				}
				prev = event.Hash
			}

			if n == 0 {
				return true
			}
			result, err := r.Verify(ctx, "tenant-1", prev)
			return err == nil && result.Valid && result.Depth == n
		},
		gen.IntRange(0, 32),
	))

	properties.Property("every batch leaf verifies against its root", prop.ForAll(
		func(n int) bool {
			hashes := eventHashes(n)
			root, paths := BuildTree(hashes)
			for i, hash := range hashes {
				if !VerifyInclusion(hash, paths[i], root) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
