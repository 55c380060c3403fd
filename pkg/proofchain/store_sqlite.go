package proofchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// SQLiteStore persists proof chains in an embedded SQLite database. Suits
// single-node deployments where the chain must survive restarts without a
// PostgreSQL dependency.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS proof_events (
	hash        TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	id          TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT,
	timestamp   TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	batch_id    TEXT,
	merkle_path TEXT,
	seq         INTEGER PRIMARY KEY AUTOINCREMENT
);
CREATE UNIQUE INDEX IF NOT EXISTS proof_events_tenant_hash ON proof_events (tenant_id, hash);
CREATE INDEX IF NOT EXISTS proof_events_entity ON proof_events (tenant_id, entity_id, seq);
`

// OpenSQLiteStore opens (and if needed creates) the database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writes; a single connection avoids table locks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, event *contracts.ProofEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proof_events (hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Hash, event.TenantID, event.ID, event.EntityID, event.Kind,
		string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano), event.PrevHash)
	if err != nil {
		return fmt.Errorf("insert proof event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Head(ctx context.Context, tenantID, entityID string) (*contracts.ProofEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash, batch_id, merkle_path
		FROM proof_events
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY seq DESC
		LIMIT 1`,
		tenantID, entityID)
	return scanProofEvent(row)
}

func (s *SQLiteStore) GetByHash(ctx context.Context, tenantID, hash string) (*contracts.ProofEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash, batch_id, merkle_path
		FROM proof_events
		WHERE tenant_id = ? AND hash = ?`,
		tenantID, hash)
	return scanProofEvent(row)
}

func (s *SQLiteStore) ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]*contracts.ProofEvent, error) {
	query := `
		SELECT hash, tenant_id, id, entity_id, kind, payload, timestamp, prev_hash, batch_id, merkle_path
		FROM proof_events
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY seq`
	args := []interface{}{tenantID, entityID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT ?"
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

func (s *SQLiteStore) AnnotateBatch(ctx context.Context, tenantID, batchID string, paths map[string][]contracts.MerkleStep) error {
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
			UPDATE proof_events SET batch_id = ?, merkle_path = ?
			WHERE tenant_id = ? AND hash = ?`,
			batchID, string(encoded), tenantID, hash); err != nil {
			return fmt.Errorf("annotate event %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

func scanProofEvent(row interface{ Scan(...interface{}) error }) (*contracts.ProofEvent, error) {
	var (
		event      contracts.ProofEvent
		payload    sql.NullString
		timestamp  string
		batchID    sql.NullString
		merklePath sql.NullString
	)
	err := row.Scan(&event.Hash, &event.TenantID, &event.ID, &event.EntityID, &event.Kind,
		&payload, &timestamp, &event.PrevHash, &batchID, &merklePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan proof event: %w", err)
	}

	event.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	event.BatchID = batchID.String
	if merklePath.Valid && merklePath.String != "" {
		if err := json.Unmarshal([]byte(merklePath.String), &event.MerklePath); err != nil {
			return nil, fmt.Errorf("decode merkle path: %w", err)
		}
	}
	return &event, nil
}
