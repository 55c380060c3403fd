// Package tenants manages the tenants of the governance engine: lifecycle
// (active, suspended), API keys for callers, and runtime isolation
// assertions proving no data crosses a tenant boundary.
package tenants

import "time"

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is one isolated customer of the engine. Every policy, trust
// score, escalation, and proof chain belongs to exactly one tenant.
type Tenant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	SuspendedAt *time.Time     `json:"suspended_at,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the tenant may submit decision requests.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// CreateRequest is the input to Registry.Create.
type CreateRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// APIKey identifies one caller credential. Only the hash is stored; the
// raw key is returned once at creation.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"key_prefix"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
