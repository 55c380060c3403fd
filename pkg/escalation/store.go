// Package escalation manages decisions routed to a human or higher
// authority: creation with a timeout deadline, resolution, cancellation,
// automatic timeout processing, and an append-only audit trail. Resolved
// escalations produce immutable, content-hashed receipts.
package escalation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// DefaultQueryLimit bounds Query result pages when no limit is given.
const DefaultQueryLimit = 50

// Query filters escalation listings. Zero values mean "any".
type Query struct {
	Status      contracts.EscalationStatus
	IntentID    string
	EntityID    string
	EscalatedTo string
	Limit       int
	Offset      int
}

// Store persists escalations and their audit entries.
type Store interface {
	// Create inserts a new escalation.
	Create(ctx context.Context, esc *contracts.Escalation) error
	// Get returns an escalation by tenant and id, or nil if absent. Cross
	// tenant lookups return nil, not an error.
	Get(ctx context.Context, tenantID, id string) (*contracts.Escalation, error)
	// Update overwrites an existing escalation.
	Update(ctx context.Context, esc *contracts.Escalation) error
	// List returns escalations matching the query, newest first.
	List(ctx context.Context, tenantID string, q Query) ([]*contracts.Escalation, error)
	// ListDue returns pending escalations whose deadline has passed.
	ListDue(ctx context.Context, now time.Time) ([]*contracts.Escalation, error)
	// AppendAudit appends an audit entry.
	AppendAudit(ctx context.Context, entry *contracts.EscalationAudit) error
	// AuditTrail returns the audit entries for an escalation, oldest first.
	AuditTrail(ctx context.Context, tenantID, escalationID string) ([]*contracts.EscalationAudit, error)
	// PendingCount returns the number of pending escalations for a tenant.
	PendingCount(ctx context.Context, tenantID string) (int, error)
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	escs   map[string]*contracts.Escalation        // id -> escalation
	audits map[string][]*contracts.EscalationAudit // escalation id -> entries
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escs:   make(map[string]*contracts.Escalation),
		audits: make(map[string][]*contracts.EscalationAudit),
	}
}

func (s *MemoryStore) Create(ctx context.Context, esc *contracts.Escalation) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *esc
	s.escs[esc.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*contracts.Escalation, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	esc, ok := s.escs[id]
	if !ok || esc.TenantID != tenantID {
		return nil, nil
	}
	cp := *esc
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, esc *contracts.Escalation) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *esc
	s.escs[esc.ID] = &cp
	return nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string, q Query) ([]*contracts.Escalation, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*contracts.Escalation
	for _, esc := range s.escs {
		if esc.TenantID != tenantID {
			continue
		}
		if q.Status != "" && esc.Status != q.Status {
			continue
		}
		if q.IntentID != "" && esc.IntentID != q.IntentID {
			continue
		}
		if q.EntityID != "" && esc.EntityID != q.EntityID {
			continue
		}
		if q.EscalatedTo != "" && !strings.EqualFold(esc.EscalatedTo, q.EscalatedTo) {
			continue
		}
		cp := *esc
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time) ([]*contracts.Escalation, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*contracts.Escalation
	for _, esc := range s.escs {
		if esc.Status != contracts.EscalationPending {
			continue
		}
		if esc.TimeoutAt.After(now) {
			continue
		}
		cp := *esc
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TimeoutAt.Before(due[j].TimeoutAt) })
	return due, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *contracts.EscalationAudit) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audits[entry.EscalationID] = append(s.audits[entry.EscalationID], &cp)
	return nil
}

func (s *MemoryStore) AuditTrail(ctx context.Context, tenantID, escalationID string) ([]*contracts.EscalationAudit, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trail []*contracts.EscalationAudit
	for _, entry := range s.audits[escalationID] {
		if entry.TenantID != tenantID {
			continue
		}
		cp := *entry
		trail = append(trail, &cp)
	}
	return trail, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, tenantID string) (int, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, esc := range s.escs {
		if esc.TenantID == tenantID && esc.Status == contracts.EscalationPending {
			count++
		}
	}
	return count, nil
}
