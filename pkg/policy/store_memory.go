package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and embedded deployments.
type MemoryStore struct {
	mutationHooks

	mu       sync.RWMutex
	policies map[string]*contracts.Policy          // id -> policy
	versions map[string][]*contracts.PolicyVersion // policy id -> archived versions
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*contracts.Policy),
		versions: make(map[string][]*contracts.PolicyVersion),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (*contracts.Policy, error) {
	_ = ctx
	if res := ValidateDefinition(in.Definition); !res.Valid {
		return nil, &ValidationFailure{Errors: res.Errors}
	}

	checksum, err := canonicalize.Checksum(in.Definition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.policies {
		if p.TenantID == in.TenantID && p.Namespace == in.Namespace && p.Name == in.Name {
			if p.Checksum == checksum {
				cp := *p
				return &cp, nil // idempotent create
			}
			return nil, ErrChecksumConflict
		}
	}

	now := s.clock()
	p := &contracts.Policy{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		Name:        in.Name,
		Namespace:   in.Namespace,
		Description: in.Description,
		Version:     1,
		Status:      contracts.PolicyDraft,
		Definition:  in.Definition,
		Checksum:    checksum,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.policies[p.ID] = p

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id, tenantID string) (*contracts.Policy, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok || p.TenantID != tenantID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindByName(ctx context.Context, tenantID, name, namespace string) (*contracts.Policy, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Name == name && p.Namespace == namespace {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Update(ctx context.Context, id, tenantID string, in UpdateInput) (*contracts.Policy, error) {
	_ = ctx
	if in.Definition != nil {
		if res := ValidateDefinition(*in.Definition); !res.Valid {
			return nil, &ValidationFailure{Errors: res.Errors}
		}
	}

	s.mu.Lock()
	p, ok := s.policies[id]
	if !ok || p.TenantID != tenantID {
		s.mu.Unlock()
		return nil, nil
	}

	if in.Definition != nil {
		newChecksum, err := canonicalize.Checksum(*in.Definition)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if newChecksum == p.Checksum && in.Status == nil && in.Description == nil {
			cp := *p
			s.mu.Unlock()
			return &cp, nil // idempotent update
		}
	}

	now := s.clock()

	// Archive the current definition before mutating.
	s.versions[p.ID] = append(s.versions[p.ID], &contracts.PolicyVersion{
		ID:            uuid.New().String(),
		PolicyID:      p.ID,
		Version:       p.Version,
		Definition:    p.Definition,
		Checksum:      p.Checksum,
		ChangeSummary: in.ChangeSummary,
		CreatedBy:     in.UpdatedBy,
		CreatedAt:     now,
	})

	if in.Definition != nil {
		p.Definition = *in.Definition
		p.Checksum, _ = canonicalize.Checksum(*in.Definition)
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Status != nil {
		p.Status = *in.Status
		if *in.Status == contracts.PolicyPublished {
			p.PublishedAt = &now
		}
	}
	p.Version++
	p.UpdatedAt = now

	cp := *p
	tenant, ns := p.TenantID, p.Namespace
	s.mu.Unlock()

	s.notifyMutation(tenant, ns)
	return &cp, nil
}

func (s *MemoryStore) setStatus(ctx context.Context, id, tenantID, actor string, status contracts.PolicyStatus) (*contracts.Policy, error) {
	return s.Update(ctx, id, tenantID, UpdateInput{
		Status:        &status,
		UpdatedBy:     actor,
		ChangeSummary: "status changed to " + string(status),
	})
}

func (s *MemoryStore) Publish(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error) {
	return s.setStatus(ctx, id, tenantID, actor, contracts.PolicyPublished)
}

func (s *MemoryStore) Deprecate(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error) {
	return s.setStatus(ctx, id, tenantID, actor, contracts.PolicyDeprecated)
}

// Archive is the soft delete.
func (s *MemoryStore) Archive(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error) {
	return s.setStatus(ctx, id, tenantID, actor, contracts.PolicyArchived)
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*contracts.Policy, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*contracts.Policy
	for _, p := range s.policies {
		if p.TenantID != f.TenantID {
			continue
		}
		if f.Namespace != "" && p.Namespace != f.Namespace {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Name != "" && !strings.Contains(p.Name, f.Name) {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	// Zero means the default page size; negative means no limit, which
	// published-set loads rely on.
	limit := f.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	offset := f.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func (s *MemoryStore) GetPublishedPolicies(ctx context.Context, tenantID, namespace string) ([]*contracts.Policy, error) {
	return s.List(ctx, ListFilter{
		TenantID:  tenantID,
		Namespace: namespace,
		Status:    contracts.PolicyPublished,
		Limit:     -1,
	})
}

func (s *MemoryStore) GetVersionHistory(ctx context.Context, id, tenantID string) ([]*contracts.PolicyVersion, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok || p.TenantID != tenantID {
		return nil, nil
	}

	out := make([]*contracts.PolicyVersion, 0, len(s.versions[id]))
	for _, v := range s.versions[id] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
