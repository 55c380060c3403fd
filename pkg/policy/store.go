package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

var (
	// ErrChecksumConflict is returned when a policy with the same
	// tenant/namespace/name exists with a different definition.
	ErrChecksumConflict = errors.New("policy exists with a different definition")
	// ErrNotPublishable is returned on invalid status transitions.
	ErrNotPublishable = errors.New("policy cannot transition to requested status")
)

// CreateInput is the input to Store.Create.
type CreateInput struct {
	TenantID    string
	Name        string
	Namespace   string
	Description string
	Definition  contracts.PolicyDefinition
	CreatedBy   string
}

// UpdateInput is the input to Store.Update. Nil fields are untouched.
type UpdateInput struct {
	Definition    *contracts.PolicyDefinition
	Description   *string
	Status        *contracts.PolicyStatus
	ChangeSummary string
	UpdatedBy     string
}

// ListFilter narrows List results. TenantID is mandatory.
type ListFilter struct {
	TenantID  string
	Namespace string
	Status    contracts.PolicyStatus
	Name      string
	Limit     int
	Offset    int
}

// ValidationFailure wraps definition validation errors as a boundary error.
type ValidationFailure struct {
	Errors []contracts.ValidationError
}

func (e *ValidationFailure) Error() string {
	return "policy definition validation failed"
}

// Store is the versioned, tenant-scoped policy store. Lookups outside the
// caller's tenant return nil without error; existence is never leaked.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*contracts.Policy, error)
	FindByID(ctx context.Context, id, tenantID string) (*contracts.Policy, error)
	FindByName(ctx context.Context, tenantID, name, namespace string) (*contracts.Policy, error)
	Update(ctx context.Context, id, tenantID string, in UpdateInput) (*contracts.Policy, error)
	Publish(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error)
	Deprecate(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error)
	Archive(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error)
	List(ctx context.Context, f ListFilter) ([]*contracts.Policy, error)
	GetPublishedPolicies(ctx context.Context, tenantID, namespace string) ([]*contracts.Policy, error)
	GetVersionHistory(ctx context.Context, id, tenantID string) ([]*contracts.PolicyVersion, error)
}

// MutationHook is invoked after any mutation that can affect published
// state, so the loader cache can be invalidated.
type MutationHook func(tenantID, namespace string)

// mutationHooks is embedded by store implementations.
type mutationHooks struct {
	mu    sync.Mutex
	hooks []MutationHook
}

// OnMutation registers a hook. Hooks run synchronously after the mutation
// commits.
func (m *mutationHooks) OnMutation(fn MutationHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *mutationHooks) notifyMutation(tenantID, namespace string) {
	m.mu.Lock()
	hooks := append([]MutationHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(tenantID, namespace)
	}
}
