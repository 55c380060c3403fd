package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RevocationChecker answers whether a token (by jti) has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocations is an in-process revocation list.
type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]bool
}

// NewMemoryRevocations creates an empty revocation list.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]bool)}
}

// Revoke marks a token id as revoked.
func (m *MemoryRevocations) Revoke(jti string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
}

func (m *MemoryRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revoked[jti], nil
}

// RedisRevocations is a shared revocation list keyed by token id.
type RedisRevocations struct {
	client *redis.Client
}

// NewRedisRevocations wraps a Redis client.
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, "covenant:revoked:"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("revocation check: %w", err)
	}
	return n > 0, nil
}
