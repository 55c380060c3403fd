package tenants

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Registry manages tenant records and their API keys.
type Registry interface {
	// Create provisions a tenant with a default API key; the raw key is
	// returned once and never stored.
	Create(ctx context.Context, req CreateRequest) (*Tenant, string, error)
	// Get returns a tenant by id, or nil if absent.
	Get(ctx context.Context, id string) (*Tenant, error)
	// Authenticate resolves a raw API key to its tenant. Revoked keys and
	// non-active tenants fail with UNAUTHORIZED.
	Authenticate(ctx context.Context, rawKey string) (*Tenant, error)
	// Suspend stops a tenant from submitting requests.
	Suspend(ctx context.Context, id string) error
	// Resume reactivates a suspended tenant.
	Resume(ctx context.Context, id string) error
}

// PostgresRegistry implements Registry on PostgreSQL.
type PostgresRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresRegistry wraps an open database handle.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *PostgresRegistry) WithClock(clock func() time.Time) *PostgresRegistry {
	r.clock = clock
	return r
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	suspended_at TIMESTAMP,
	deleted_at TIMESTAMP,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	tenant_id TEXT REFERENCES tenants(id),
	key_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	name TEXT,
	created_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
`

// Init creates the registry tables.
func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, registrySchema)
	return err
}

func (r *PostgresRegistry) Create(ctx context.Context, req CreateRequest) (*Tenant, string, error) {
	if req.Name == "" {
		return nil, "", contracts.NewError(contracts.CodeValidation, "tenant name is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tenant := &Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: r.clock().UTC(),
		Metadata:  req.Metadata,
	}
	metaJSON, err := json.Marshal(tenant.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, status, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Name, tenant.Status, tenant.CreatedAt, metaJSON)
	if err != nil {
		return nil, "", fmt.Errorf("insert tenant: %w", err)
	}

	rawKey, keyHash := GenerateAPIKey()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, key_prefix, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), tenant.ID, keyHash, rawKey[:12], "default", tenant.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}
	return tenant, rawKey, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, suspended_at, deleted_at, metadata
		FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (r *PostgresRegistry) Authenticate(ctx context.Context, rawKey string) (*Tenant, error) {
	keyHash := HashAPIKey(rawKey)
	row := r.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.status, t.created_at, t.suspended_at, t.deleted_at, t.metadata
		FROM tenants t
		JOIN api_keys k ON k.tenant_id = t.id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL`,
		keyHash)
	tenant, err := scanTenant(row)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, contracts.NewError(contracts.CodeUnauthorized, "unknown api key")
	}
	if !tenant.Active() {
		return nil, contracts.Errorf(contracts.CodeUnauthorized, "tenant %s is %s", tenant.ID, tenant.Status)
	}
	return tenant, nil
}

func (r *PostgresRegistry) Suspend(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusSuspended)
}

func (r *PostgresRegistry) Resume(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusActive)
}

func (r *PostgresRegistry) setStatus(ctx context.Context, id string, status Status) error {
	now := r.clock().UTC()
	var suspendedAt interface{}
	if status == StatusSuspended {
		suspendedAt = now
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET status = $1, suspended_at = $2 WHERE id = $3 AND status != $4`,
		status, suspendedAt, id, StatusDeleted)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return contracts.Errorf(contracts.CodeNotFound, "tenant %s not found", id)
	}
	return nil
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	var (
		tenant   Tenant
		metaJSON []byte
	)
	err := row.Scan(&tenant.ID, &tenant.Name, &tenant.Status, &tenant.CreatedAt,
		&tenant.SuspendedAt, &tenant.DeletedAt, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &tenant.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &tenant, nil
}

// GenerateAPIKey creates a raw API key and its storage hash.
func GenerateAPIKey() (raw, hash string) {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	raw = "cov_" + hex.EncodeToString(buf)
	return raw, HashAPIKey(raw)
}

// HashAPIKey is the storage form of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
