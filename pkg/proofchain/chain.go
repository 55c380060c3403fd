package proofchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"
)

// DefaultBatchSize is how many events seal into one Merkle batch.
const DefaultBatchSize = 8

// EventHash computes the chain hash of an event: SHA-256 over the id,
// tenant, entity, kind, canonical payload, timestamp, and previous hash,
// hex encoded. The payload is canonicalised so key order never changes
// the hash.
func EventHash(event *contracts.ProofEvent) (string, error) {
	payload, err := canonicalize.JCS(event.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalise payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(event.ID))
	h.Write([]byte(event.TenantID))
	h.Write([]byte(event.EntityID))
	h.Write([]byte(event.Kind))
	h.Write(payload)
	h.Write([]byte(event.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(event.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Recorder appends events to per-entity chains and seals Merkle batches.
// Appends for the same entity are serialized; different entities proceed
// in parallel.
type Recorder struct {
	store     Store
	logger    *slog.Logger
	clock     func() time.Time
	batchSize int
	archiver  Archiver

	locks sync.Map // entity key -> *sync.Mutex

	batchMu sync.Mutex
	pending map[string][]*contracts.ProofEvent // tenant -> unsealed events
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the clock for deterministic testing.
func WithRecorderClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) { r.clock = clock }
}

// WithBatchSize overrides the Merkle batch size.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithArchiver exports every sealed batch to long-term storage. Export is
// asynchronous and failure-isolated; it never blocks or breaks the chain.
func WithArchiver(a Archiver) RecorderOption {
	return func(r *Recorder) { r.archiver = a }
}

// NewRecorder creates a recorder over a store.
func NewRecorder(store Store, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:     store,
		logger:    logger,
		clock:     time.Now,
		batchSize: DefaultBatchSize,
		pending:   make(map[string][]*contracts.ProofEvent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) entityLock(tenantID, entityID string) *sync.Mutex {
	key := chainKey(tenantID, entityID)
	lock, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Record appends one event to the entity's chain. The previous hash is the
// entity's current head, or the genesis hash for a first event.
func (r *Recorder) Record(ctx context.Context, tenantID, entityID string, kind contracts.ProofKind, payload map[string]interface{}) (*contracts.ProofEvent, error) {
	if tenantID == "" || entityID == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "tenant_id and entity_id are required")
	}

	lock := r.entityLock(tenantID, entityID)
	lock.Lock()
	defer lock.Unlock()

	head, err := r.store.Head(ctx, tenantID, entityID)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load chain head: %v", err)
	}
	prevHash := contracts.GenesisHash
	if head != nil {
		prevHash = head.Hash
	}

	event := &contracts.ProofEvent{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		EntityID:  entityID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: r.clock().UTC(),
		PrevHash:  prevHash,
	}
	event.Hash, err = EventHash(event)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "hash event: %v", err)
	}

	if err := r.store.Append(ctx, event); err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "append event: %v", err)
	}

	r.addToBatch(ctx, event)
	return event, nil
}

// addToBatch collects sealed-batch candidates per tenant and seals a
// Merkle batch once batchSize events have accumulated.
func (r *Recorder) addToBatch(ctx context.Context, event *contracts.ProofEvent) {
	r.batchMu.Lock()
	r.pending[event.TenantID] = append(r.pending[event.TenantID], event)
	if len(r.pending[event.TenantID]) < r.batchSize {
		r.batchMu.Unlock()
		return
	}
	batch := r.pending[event.TenantID]
	r.pending[event.TenantID] = nil
	r.batchMu.Unlock()

	r.sealBatch(ctx, event.TenantID, batch)
}

func (r *Recorder) sealBatch(ctx context.Context, tenantID string, batch []*contracts.ProofEvent) {
	hashes := make([]string, len(batch))
	for i, event := range batch {
		hashes[i] = event.Hash
	}

	root, paths := BuildTree(hashes)
	batchID := uuid.New().String()
	annotations := make(map[string][]contracts.MerkleStep, len(batch))
	for i, event := range batch {
		annotations[event.Hash] = paths[i]
	}

	if err := r.store.AnnotateBatch(ctx, tenantID, batchID, annotations); err != nil {
		r.logger.Warn("batch annotation failed",
			"tenant_id", tenantID, "batch_id", batchID, "error", err)
		return
	}
	r.logger.Debug("proof batch sealed",
		"tenant_id", tenantID, "batch_id", batchID, "root", root, "events", len(batch))

	if r.archiver != nil {
		go r.archiveBatch(context.WithoutCancel(ctx), tenantID, batchID, batch)
	}
}

func (r *Recorder) archiveBatch(ctx context.Context, tenantID, batchID string, batch []*contracts.ProofEvent) {
	entityID := batch[0].EntityID
	location, err := r.archiver.Archive(ctx, tenantID, entityID, batch)
	if err != nil {
		r.logger.Warn("batch archive failed",
			"tenant_id", tenantID, "batch_id", batchID, "error", err)
		return
	}
	r.logger.Debug("proof batch archived",
		"tenant_id", tenantID, "batch_id", batchID, "location", location)
}

// Verify walks the chain from the event with the given hash back to
// genesis, recomputing every link. Depth counts the events walked. A
// break reports the hash where the walk failed.
func (r *Recorder) Verify(ctx context.Context, tenantID, eventHash string) (*contracts.VerifyResult, error) {
	event, err := r.store.GetByHash(ctx, tenantID, eventHash)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load event: %v", err)
	}
	if event == nil {
		return nil, contracts.Errorf(contracts.CodeNotFound, "no proof event with hash %s", eventHash)
	}

	depth := 0
	for {
		depth++

		recomputed, err := EventHash(event)
		if err != nil {
			return nil, contracts.Errorf(contracts.CodeInternal, "rehash event: %v", err)
		}
		if recomputed != event.Hash {
			return &contracts.VerifyResult{Valid: false, Depth: depth, BrokenAt: event.Hash}, nil
		}

		if event.PrevHash == contracts.GenesisHash {
			return &contracts.VerifyResult{
				Valid:       true,
				Depth:       depth,
				GenesisHash: event.Hash,
			}, nil
		}

		prev, err := r.store.GetByHash(ctx, tenantID, event.PrevHash)
		if err != nil {
			return nil, contracts.Errorf(contracts.CodeInternal, "load previous event: %v", err)
		}
		if prev == nil || prev.EntityID != event.EntityID {
			return &contracts.VerifyResult{Valid: false, Depth: depth, BrokenAt: event.PrevHash}, nil
		}
		event = prev
	}
}

// Chain returns an entity's events, oldest first.
func (r *Recorder) Chain(ctx context.Context, tenantID, entityID string, limit int) ([]*contracts.ProofEvent, error) {
	return r.store.ListByEntity(ctx, tenantID, entityID, limit)
}
