package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// PostgresStore persists escalations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escalationColumns = `id, tenant_id, intent_id, entity_id, reason, priority, status,
	escalated_to, escalated_by, context, requested_action, auto_deny_on_timeout,
	resolved_by, resolved_at, resolution, resolution_notes, timeout_at, created_at, updated_at`

const escalationSchema = `
CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	escalated_to TEXT NOT NULL,
	escalated_by TEXT,
	context JSONB,
	requested_action JSONB,
	auto_deny_on_timeout BOOLEAN NOT NULL,
	resolved_by TEXT,
	resolved_at TIMESTAMP,
	resolution TEXT,
	resolution_notes TEXT,
	timeout_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS escalations_pending ON escalations (status, timeout_at);
CREATE INDEX IF NOT EXISTS escalations_tenant ON escalations (tenant_id, created_at);
CREATE TABLE IF NOT EXISTS escalation_audit (
	id TEXT PRIMARY KEY,
	escalation_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor_id TEXT,
	actor_type TEXT,
	previous_status TEXT,
	notes TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS escalation_audit_entry ON escalation_audit (tenant_id, escalation_id, created_at);`

// Init creates the backing tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, escalationSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, esc *contracts.Escalation) error {
	contextJSON, err := json.Marshal(esc.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	actionJSON, err := json.Marshal(esc.RequestedAction)
	if err != nil {
		return fmt.Errorf("marshal requested action: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (`+escalationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		esc.ID, esc.TenantID, esc.IntentID, esc.EntityID, esc.Reason, esc.Priority, esc.Status,
		esc.EscalatedTo, nullString(esc.EscalatedBy), contextJSON, actionJSON, esc.AutoDeny,
		nullString(esc.ResolvedBy), nullTime(esc.ResolvedAt), nullString(esc.Resolution),
		nullString(esc.ResolutionNotes), esc.TimeoutAt, esc.CreatedAt, esc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*contracts.Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanEscalation(row)
}

func (s *PostgresStore) Update(ctx context.Context, esc *contracts.Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET status = $1, resolved_by = $2, resolved_at = $3, resolution = $4,
			resolution_notes = $5, updated_at = $6
		WHERE tenant_id = $7 AND id = $8`,
		esc.Status, nullString(esc.ResolvedBy), nullTime(esc.ResolvedAt),
		nullString(esc.Resolution), nullString(esc.ResolutionNotes), esc.UpdatedAt,
		esc.TenantID, esc.ID)
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string, q Query) ([]*contracts.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if q.Status != "" {
		args = append(args, q.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if q.IntentID != "" {
		args = append(args, q.IntentID)
		query += fmt.Sprintf(" AND intent_id = $%d", len(args))
	}
	if q.EntityID != "" {
		args = append(args, q.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if q.EscalatedTo != "" {
		args = append(args, q.EscalatedTo)
		query += fmt.Sprintf(" AND escalated_to = $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id"

	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()
	return collectEscalations(rows)
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*contracts.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE status = $1 AND timeout_at <= $2
		ORDER BY timeout_at`,
		contracts.EscalationPending, now)
	if err != nil {
		return nil, fmt.Errorf("list due escalations: %w", err)
	}
	defer rows.Close()
	return collectEscalations(rows)
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *contracts.EscalationAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_audit (id, escalation_id, tenant_id, action, actor_id, actor_type, previous_status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.EscalationID, entry.TenantID, entry.Action,
		nullString(entry.ActorID), entry.ActorType, nullString(entry.PreviousStatus),
		nullString(entry.Notes), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) AuditTrail(ctx context.Context, tenantID, escalationID string) ([]*contracts.EscalationAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escalation_id, tenant_id, action, actor_id, actor_type, previous_status, notes, created_at
		FROM escalation_audit
		WHERE tenant_id = $1 AND escalation_id = $2
		ORDER BY created_at, id`,
		tenantID, escalationID)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	defer rows.Close()

	var trail []*contracts.EscalationAudit
	for rows.Next() {
		var (
			entry          contracts.EscalationAudit
			actorID        sql.NullString
			previousStatus sql.NullString
			notes          sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.EscalationID, &entry.TenantID, &entry.Action,
			&actorID, &entry.ActorType, &previousStatus, &notes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.ActorID = actorID.String
		entry.PreviousStatus = previousStatus.String
		entry.Notes = notes.String
		trail = append(trail, &entry)
	}
	return trail, rows.Err()
}

func (s *PostgresStore) PendingCount(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalations WHERE tenant_id = $1 AND status = $2`,
		tenantID, contracts.EscalationPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending escalations: %w", err)
	}
	return count, nil
}

func scanEscalation(row interface{ Scan(...interface{}) error }) (*contracts.Escalation, error) {
	var (
		esc             contracts.Escalation
		escalatedBy     sql.NullString
		contextJSON     []byte
		actionJSON      []byte
		resolvedBy      sql.NullString
		resolvedAt      sql.NullTime
		resolution      sql.NullString
		resolutionNotes sql.NullString
	)
	err := row.Scan(&esc.ID, &esc.TenantID, &esc.IntentID, &esc.EntityID, &esc.Reason,
		&esc.Priority, &esc.Status, &esc.EscalatedTo, &escalatedBy, &contextJSON, &actionJSON,
		&esc.AutoDeny, &resolvedBy, &resolvedAt, &resolution, &resolutionNotes,
		&esc.TimeoutAt, &esc.CreatedAt, &esc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}

	esc.EscalatedBy = escalatedBy.String
	esc.ResolvedBy = resolvedBy.String
	esc.Resolution = resolution.String
	esc.ResolutionNotes = resolutionNotes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		esc.ResolvedAt = &t
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &esc.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	if len(actionJSON) > 0 {
		if err := json.Unmarshal(actionJSON, &esc.RequestedAction); err != nil {
			return nil, fmt.Errorf("decode requested action: %w", err)
		}
	}
	return &esc, nil
}

func collectEscalations(rows *sql.Rows) ([]*contracts.Escalation, error) {
	var escs []*contracts.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escs = append(escs, esc)
	}
	return escs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
