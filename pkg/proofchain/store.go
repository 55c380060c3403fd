// Package proofchain records immutable, hash-linked proof events per
// entity, batches them into Merkle trees for efficient verification, and
// walks chains back to genesis to detect tampering.
package proofchain

import (
	"context"
	"sync"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Store persists proof events. Events are append-only; the only mutation
// is the batch annotation written when a Merkle batch seals.
type Store interface {
	// Append inserts a new event.
	Append(ctx context.Context, event *contracts.ProofEvent) error
	// Head returns the most recent event for an entity, or nil.
	Head(ctx context.Context, tenantID, entityID string) (*contracts.ProofEvent, error)
	// GetByHash returns the event with the given hash, or nil.
	GetByHash(ctx context.Context, tenantID, hash string) (*contracts.ProofEvent, error)
	// ListByEntity returns an entity's events, oldest first. limit <= 0
	// means no limit.
	ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]*contracts.ProofEvent, error)
	// AnnotateBatch stamps sealed events with their batch id and inclusion
	// path.
	AnnotateBatch(ctx context.Context, tenantID, batchID string, paths map[string][]contracts.MerkleStep) error
}

// MemoryStore keeps chains in memory; the store of tests and ephemeral
// sandboxes.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*contracts.ProofEvent   // tenant + hash -> event
	chains map[string][]*contracts.ProofEvent // tenant + entity -> events, oldest first
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*contracts.ProofEvent),
		chains: make(map[string][]*contracts.ProofEvent),
	}
}

func chainKey(tenantID, entityID string) string { return tenantID + "\x00" + entityID }

func (s *MemoryStore) Append(ctx context.Context, event *contracts.ProofEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.byHash[chainKey(event.TenantID, event.Hash)] = &cp
	key := chainKey(event.TenantID, event.EntityID)
	s.chains[key] = append(s.chains[key], &cp)
	return nil
}

func (s *MemoryStore) Head(ctx context.Context, tenantID, entityID string) (*contracts.ProofEvent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey(tenantID, entityID)]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, tenantID, hash string) (*contracts.ProofEvent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.byHash[chainKey(tenantID, hash)]
	if !ok {
		return nil, nil
	}
	cp := *event
	return &cp, nil
}

func (s *MemoryStore) ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]*contracts.ProofEvent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey(tenantID, entityID)]
	if limit > 0 && limit < len(chain) {
		chain = chain[len(chain)-limit:]
	}
	out := make([]*contracts.ProofEvent, 0, len(chain))
	for _, event := range chain {
		cp := *event
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AnnotateBatch(ctx context.Context, tenantID, batchID string, paths map[string][]contracts.MerkleStep) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, path := range paths {
		if event, ok := s.byHash[chainKey(tenantID, hash)]; ok {
			event.BatchID = batchID
			event.MerklePath = path
		}
	}
	return nil
}

// Tamper overwrites a stored event's payload in place without recomputing
// its hash. Test hook for verification failure paths.
func (s *MemoryStore) Tamper(tenantID, hash string, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event, ok := s.byHash[chainKey(tenantID, hash)]; ok {
		event.Payload = payload
		for _, chained := range s.chains[chainKey(tenantID, event.EntityID)] {
			if chained.Hash == hash {
				chained.Payload = payload
			}
		}
	}
}
