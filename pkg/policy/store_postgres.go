package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"
)

// PostgresStore implements Store on PostgreSQL. Definitions are stored as
// JSONB; version archiving and the version bump happen in one transaction.
type PostgresStore struct {
	mutationHooks

	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

const policySchema = `
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	namespace TEXT NOT NULL,
	description TEXT,
	version INT NOT NULL,
	status TEXT NOT NULL,
	definition JSONB NOT NULL,
	checksum TEXT NOT NULL,
	created_by TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	published_at TIMESTAMP,
	UNIQUE (tenant_id, namespace, name)
);
CREATE TABLE IF NOT EXISTS policy_versions (
	id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL REFERENCES policies(id),
	version INT NOT NULL,
	definition JSONB NOT NULL,
	checksum TEXT NOT NULL,
	change_summary TEXT,
	created_by TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS policies_published ON policies (tenant_id, namespace, status);`

// Init creates the backing tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, policySchema)
	return err
}

const policyColumns = `id, tenant_id, name, namespace, description, version, status, definition, checksum, created_by, created_at, updated_at, published_at`

func scanPolicy(row interface{ Scan(...interface{}) error }) (*contracts.Policy, error) {
	var (
		p       contracts.Policy
		rawDef  []byte
		pubAt   sql.NullTime
		desc    sql.NullString
		creator sql.NullString
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Namespace, &desc, &p.Version,
		&p.Status, &rawDef, &p.Checksum, &creator, &p.CreatedAt, &p.UpdatedAt, &pubAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	if err := json.Unmarshal(rawDef, &p.Definition); err != nil {
		return nil, fmt.Errorf("decode policy definition: %w", err)
	}
	p.Description = desc.String
	p.CreatedBy = creator.String
	if pubAt.Valid {
		t := pubAt.Time
		p.PublishedAt = &t
	}
	return &p, nil
}

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (*contracts.Policy, error) {
	if res := ValidateDefinition(in.Definition); !res.Valid {
		return nil, &ValidationFailure{Errors: res.Errors}
	}

	checksum, err := canonicalize.Checksum(in.Definition)
	if err != nil {
		return nil, err
	}

	existing, err := s.FindByName(ctx, in.TenantID, in.Name, in.Namespace)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Checksum == checksum {
			return existing, nil // idempotent create
		}
		return nil, ErrChecksumConflict
	}

	rawDef, err := json.Marshal(in.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode policy definition: %w", err)
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, tenant_id, name, namespace, description, version, status, definition, checksum, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.TenantID, p.Name, p.Namespace, p.Description, p.Version, p.Status,
		rawDef, p.Checksum, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id, tenantID string) (*contracts.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanPolicy(row)
}

func (s *PostgresStore) FindByName(ctx context.Context, tenantID, name, namespace string) (*contracts.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND name = $2 AND namespace = $3`,
		tenantID, name, namespace)
	return scanPolicy(row)
}

func (s *PostgresStore) Update(ctx context.Context, id, tenantID string, in UpdateInput) (*contracts.Policy, error) {
	if in.Definition != nil {
		if res := ValidateDefinition(*in.Definition); !res.Valid {
			return nil, &ValidationFailure{Errors: res.Errors}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		id, tenantID)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	if in.Definition != nil {
		newChecksum, err := canonicalize.Checksum(*in.Definition)
		if err != nil {
			return nil, err
		}
		if newChecksum == p.Checksum && in.Status == nil && in.Description == nil {
			return p, nil // idempotent update
		}
	}

	now := s.clock()

	priorDef, err := json.Marshal(p.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode prior definition: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_versions (id, policy_id, version, definition, checksum, change_summary, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), p.ID, p.Version, priorDef, p.Checksum, in.ChangeSummary, in.UpdatedBy, now)
	if err != nil {
		return nil, fmt.Errorf("archive policy version: %w", err)
	}

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

	rawDef, err := json.Marshal(p.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode policy definition: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE policies SET description = $1, version = $2, status = $3, definition = $4, checksum = $5, updated_at = $6, published_at = $7
		WHERE id = $8 AND tenant_id = $9`,
		p.Description, p.Version, p.Status, rawDef, p.Checksum, p.UpdatedAt, p.PublishedAt, p.ID, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	s.notifyMutation(p.TenantID, p.Namespace)
	return p, nil
}

func (s *PostgresStore) setStatus(ctx context.Context, id, tenantID, actor string, status contracts.PolicyStatus) (*contracts.Policy, error) {
	return s.Update(ctx, id, tenantID, UpdateInput{
		Status:        &status,
		UpdatedBy:     actor,
		ChangeSummary: "status changed to " + string(status),
	})
}

func (s *PostgresStore) Publish(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error) {
	return s.setStatus(ctx, id, tenantID, actor, contracts.PolicyPublished)
}

func (s *PostgresStore) Deprecate(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error) {
	return s.setStatus(ctx, id, tenantID, actor, contracts.PolicyDeprecated)
}

// Archive is the soft delete.
func (s *PostgresStore) Archive(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error) {
	return s.setStatus(ctx, id, tenantID, actor, contracts.PolicyArchived)
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*contracts.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = $1`
	args := []interface{}{f.TenantID}

	if f.Namespace != "" {
		args = append(args, f.Namespace)
		query += fmt.Sprintf(" AND namespace = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Name != "" {
		args = append(args, "%"+f.Name+"%")
		query += fmt.Sprintf(" AND name LIKE $%d", len(args))
	}

	query += " ORDER BY created_at, id"

	limit := f.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPublishedPolicies(ctx context.Context, tenantID, namespace string) ([]*contracts.Policy, error) {
	return s.List(ctx, ListFilter{
		TenantID:  tenantID,
		Namespace: namespace,
		Status:    contracts.PolicyPublished,
		Limit:     -1,
	})
}

func (s *PostgresStore) GetVersionHistory(ctx context.Context, id, tenantID string) ([]*contracts.PolicyVersion, error) {
	p, err := s.FindByID(ctx, id, tenantID)
	if err != nil || p == nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, version, definition, checksum, change_summary, created_by, created_at
		FROM policy_versions WHERE policy_id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer rows.Close()

	var out []*contracts.PolicyVersion
	for rows.Next() {
		var (
			v       contracts.PolicyVersion
			rawDef  []byte
			summary sql.NullString
			creator sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.PolicyID, &v.Version, &rawDef, &v.Checksum, &summary, &creator, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy version: %w", err)
		}
		if err := json.Unmarshal(rawDef, &v.Definition); err != nil {
			return nil, fmt.Errorf("decode archived definition: %w", err)
		}
		v.ChangeSummary = summary.String
		v.CreatedBy = creator.String
		out = append(out, &v)
	}
	return out, rows.Err()
}
