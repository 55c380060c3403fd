package trust

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// ErrDuplicateSignal is returned when a (source, id) pair has already been
// ingested.
var ErrDuplicateSignal = errors.New("signal already ingested")

// Store persists signals, scores, and the score history. All methods are
// tenant-scoped by the caller; the store keys on entity ids.
type Store interface {
	// SaveSignal appends a signal, deduplicating by (source, id).
	SaveSignal(ctx context.Context, sig contracts.TrustSignal) error
	// ListSignals returns an entity's signals in ingestion order.
	ListSignals(ctx context.Context, entityID string) ([]contracts.TrustSignal, error)
	// GetScore returns the current score row, or nil if never scored.
	GetScore(ctx context.Context, agentID string) (*contracts.TrustScore, error)
	// SaveScore upserts the score row and appends the history delta in one
	// transaction.
	SaveScore(ctx context.Context, score contracts.TrustScore, delta contracts.TrustDelta) error
	// GetHistory returns the score history, newest first.
	GetHistory(ctx context.Context, agentID string, limit int) ([]contracts.TrustDelta, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string][]contracts.TrustSignal // entity id -> signals
	seen    map[string]bool                    // source + "\x00" + id
	scores  map[string]contracts.TrustScore
	history map[string][]contracts.TrustDelta
}

// NewMemoryStore creates an empty in-memory trust store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string][]contracts.TrustSignal),
		seen:    make(map[string]bool),
		scores:  make(map[string]contracts.TrustScore),
		history: make(map[string][]contracts.TrustDelta),
	}
}

func dedupKey(source, id string) string {
	return source + "\x00" + id
}

func (s *MemoryStore) SaveSignal(ctx context.Context, sig contracts.TrustSignal) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(sig.Source, sig.ID)
	if s.seen[key] {
		return ErrDuplicateSignal
	}
	s.seen[key] = true
	s.signals[sig.EntityID] = append(s.signals[sig.EntityID], sig)
	return nil
}

func (s *MemoryStore) ListSignals(ctx context.Context, entityID string) ([]contracts.TrustSignal, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]contracts.TrustSignal(nil), s.signals[entityID]...), nil
}

func (s *MemoryStore) GetScore(ctx context.Context, agentID string) (*contracts.TrustScore, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[agentID]
	if !ok {
		return nil, nil
	}
	return &score, nil
}

func (s *MemoryStore) SaveScore(ctx context.Context, score contracts.TrustScore, delta contracts.TrustDelta) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.AgentID] = score
	s.history[score.AgentID] = append(s.history[score.AgentID], delta)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, agentID string, limit int) ([]contracts.TrustDelta, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]contracts.TrustDelta(nil), s.history[agentID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// touch is a test hook: backdate an entity's last activity.
func (s *MemoryStore) touch(agentID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score, ok := s.scores[agentID]; ok {
		score.LastActivity = at
		s.scores[agentID] = score
	}
}
