package proofchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// PostgresStore persists proof chains in PostgreSQL for multi-node
// deployments sharing one chain of record.
type PostgresStore struct {
	db *sql.DB
}

const postgresProofSchema = `
CREATE TABLE IF NOT EXISTS proofs (
	hash        TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	id          TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     JSONB,
	timestamp   TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	batch_id    TEXT,
	merkle_path JSONB,
	seq         BIGSERIAL PRIMARY KEY,
	UNIQUE (tenant_id, hash)
);
CREATE INDEX IF NOT EXISTS proofs_entity ON proofs (tenant_id, entity_id, seq);`

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the backing table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresProofSchema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, event *contracts.ProofEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proofs (hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.Hash, event.TenantID, event.ID, event.EntityID, event.Kind,
		payload, event.Timestamp.UTC().Format(time.RFC3339Nano), event.PrevHash)
	if err != nil {
		return fmt.Errorf("insert proof event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Head(ctx context.Context, tenantID, entityID string) (*contracts.ProofEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash, batch_id, merkle_path
		FROM proofs
		WHERE tenant_id = $1 AND entity_id = $2
		ORDER BY seq DESC
		LIMIT 1`,
		tenantID, entityID)
	return scanProofEvent(row)
}

func (s *PostgresStore) GetByHash(ctx context.Context, tenantID, hash string) (*contracts.ProofEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash, batch_id, merkle_path
		FROM proofs
		WHERE tenant_id = $1 AND hash = $2`,
		tenantID, hash)
	return scanProofEvent(row)
}

func (s *PostgresStore) ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]*contracts.ProofEvent, error) {
	query := `
		SELECT hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash, batch_id, merkle_path
		FROM proofs
		WHERE tenant_id = $1 AND entity_id = $2
		ORDER BY seq`
	args := []interface{}{tenantID, entityID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $3"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proof events: %w", err)
	}
	defer rows.Close()

	var events []*contracts.ProofEvent
	for rows.Next() {
		event, err := scanProofEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) AnnotateBatch(ctx context.Context, tenantID, batchID string, paths map[string][]contracts.MerkleStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch annotation: %w", err)
	}
	defer tx.Rollback()

	for hash, path := range paths {
		encoded, err := json.Marshal(path)
		if err != nil {
			return fmt.Errorf("marshal merkle path: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE proofs SET batch_id = $1, merkle_path = $2
			WHERE tenant_id = $3 AND hash = $4`,
			batchID, encoded, tenantID, hash); err != nil {
			return fmt.Errorf("annotate event %s: %w", hash, err)
		}
	}
	return tx.Commit()
}
