package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PostgresIdempotencyStore is a durable replay cache that survives process
// restarts, for deployments running more than one engine instance.
type PostgresIdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewPostgresIdempotencyStore wraps an open database handle.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl, clock: time.Now}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INT NOT NULL,
	header JSONB NOT NULL,
	body BYTEA NOT NULL,
	cached_at TIMESTAMP NOT NULL
);`

// Init creates the backing table if it does not exist.
func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

// Check returns the cached response for key if present and unexpired.
func (s *PostgresIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	var (
		statusCode int
		headerJSON []byte
		body       []byte
		cachedAt   time.Time
	)
	err := s.db.QueryRow(
		`SELECT status_code, header, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headerJSON, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	if s.clock().Sub(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	header := make(http.Header)
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		header.Set("Content-Type", "application/json")
	}

	return &CachedResponse{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
		CachedAt:   cachedAt,
	}, true
}

// Set stores a response under key. Storage failure is logged and swallowed;
// idempotency is best-effort, the response already went to the caller.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, header http.Header, body []byte) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		headerJSON = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, header, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, header = $3, body = $4, cached_at = $5`,
		key, statusCode, headerJSON, body, s.clock(),
	)
	if err != nil {
		slog.Warn("idempotency store write failed", "key", key, "error", err)
	}
}

// Cleanup removes expired keys; run it periodically.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		s.clock().Add(-s.ttl))
	return err
}
