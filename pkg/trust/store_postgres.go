package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// PostgresStore implements Store on PostgreSQL. Score and history writes
// share one transaction so a crash cannot leave a score without its delta.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const trustSchema = `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	type TEXT NOT NULL,
	value INT NOT NULL,
	weight DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL,
	metadata JSONB,
	PRIMARY KEY (source, id)
);
CREATE INDEX IF NOT EXISTS signals_entity ON signals (entity_id, received_at);
CREATE TABLE IF NOT EXISTS trust_scores (
	agent_id TEXT PRIMARY KEY,
	score INT NOT NULL,
	band TEXT NOT NULL,
	behavioral DOUBLE PRECISION NOT NULL,
	compliance DOUBLE PRECISION NOT NULL,
	identity DOUBLE PRECISION NOT NULL,
	context DOUBLE PRECISION NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS trust_history (
	agent_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	score INT NOT NULL,
	band TEXT NOT NULL,
	delta INT NOT NULL,
	reason_code TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS trust_history_agent ON trust_history (agent_id, at);`

// Init creates the backing tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, trustSchema)
	return err
}

func (s *PostgresStore) SaveSignal(ctx context.Context, sig contracts.TrustSignal) error {
	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("encode signal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (id, entity_id, type, value, weight, source, received_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sig.ID, sig.EntityID, sig.Type, sig.Value, sig.Weight, sig.Source, sig.Timestamp, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateSignal
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, entityID string) ([]contracts.TrustSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, type, value, weight, source, received_at, metadata
		FROM signals WHERE entity_id = $1 ORDER BY received_at, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []contracts.TrustSignal
	for rows.Next() {
		var (
			sig  contracts.TrustSignal
			meta []byte
		)
		if err := rows.Scan(&sig.ID, &sig.EntityID, &sig.Type, &sig.Value, &sig.Weight,
			&sig.Source, &sig.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sig.Metadata); err != nil {
				return nil, fmt.Errorf("decode signal metadata: %w", err)
			}
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetScore(ctx context.Context, agentID string) (*contracts.TrustScore, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, score, band, behavioral, compliance, identity, context, last_activity, updated_at
		FROM trust_scores WHERE agent_id = $1`, agentID)

	var score contracts.TrustScore
	err := row.Scan(&score.AgentID, &score.Score, &score.Band, &score.Behavioral,
		&score.Compliance, &score.Identity, &score.Context, &score.LastActivity, &score.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trust score: %w", err)
	}
	return &score, nil
}

func (s *PostgresStore) SaveScore(ctx context.Context, score contracts.TrustScore, delta contracts.TrustDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin score save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_scores (agent_id, score, band, behavioral, compliance, identity, context, last_activity, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id) DO UPDATE SET
			score = EXCLUDED.score,
			band = EXCLUDED.band,
			behavioral = EXCLUDED.behavioral,
			compliance = EXCLUDED.compliance,
			identity = EXCLUDED.identity,
			context = EXCLUDED.context,
			last_activity = EXCLUDED.last_activity,
			updated_at = EXCLUDED.updated_at`,
		score.AgentID, score.Score, score.Band, score.Behavioral, score.Compliance,
		score.Identity, score.Context, score.LastActivity, score.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert trust score: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_history (agent_id, at, score, band, delta, reason_code)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		delta.AgentID, delta.At, delta.Score, delta.Band, delta.Delta, delta.ReasonCode)
	if err != nil {
		return fmt.Errorf("append trust history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit score save: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, agentID string, limit int) ([]contracts.TrustDelta, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, at, score, band, delta, reason_code
		FROM trust_history WHERE agent_id = $1 ORDER BY at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trust history: %w", err)
	}
	defer rows.Close()

	var out []contracts.TrustDelta
	for rows.Next() {
		var d contracts.TrustDelta
		if err := rows.Scan(&d.AgentID, &d.At, &d.Score, &d.Band, &d.Delta, &d.ReasonCode); err != nil {
			return nil, fmt.Errorf("scan trust history: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
