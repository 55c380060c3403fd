package tenants

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// MemoryRegistry is the in-process Registry used in tests and sandboxes.
type MemoryRegistry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]string // key hash -> tenant id
	clock   func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]string),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *MemoryRegistry) WithClock(clock func() time.Time) *MemoryRegistry {
	r.clock = clock
	return r
}

func (r *MemoryRegistry) Create(ctx context.Context, req CreateRequest) (*Tenant, string, error) {
	_ = ctx
	if req.Name == "" {
		return nil, "", contracts.NewError(contracts.CodeValidation, "tenant name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tenant := &Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: r.clock().UTC(),
		Metadata:  req.Metadata,
	}
	rawKey, keyHash := GenerateAPIKey()
	r.tenants[tenant.ID] = tenant
	r.keys[keyHash] = tenant.ID

	cp := *tenant
	return &cp, rawKey, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Tenant, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenant, ok := r.tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *tenant
	return &cp, nil
}

func (r *MemoryRegistry) Authenticate(ctx context.Context, rawKey string) (*Tenant, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.keys[HashAPIKey(rawKey)]
	if !ok {
		return nil, contracts.NewError(contracts.CodeUnauthorized, "unknown api key")
	}
	tenant := r.tenants[id]
	if !tenant.Active() {
		return nil, contracts.Errorf(contracts.CodeUnauthorized, "tenant %s is %s", tenant.ID, tenant.Status)
	}
	cp := *tenant
	return &cp, nil
}

func (r *MemoryRegistry) Suspend(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusSuspended)
}

func (r *MemoryRegistry) Resume(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusActive)
}

func (r *MemoryRegistry) setStatus(ctx context.Context, id string, status Status) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.tenants[id]
	if !ok || tenant.Status == StatusDeleted {
		return contracts.Errorf(contracts.CodeNotFound, "tenant %s not found", id)
	}
	tenant.Status = status
	if status == StatusSuspended {
		now := r.clock().UTC()
		tenant.SuspendedAt = &now
	} else {
		tenant.SuspendedAt = nil
	}
	return nil
}
