package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// DefaultCacheTTL is how long a loaded policy set stays fresh.
const DefaultCacheTTL = 300 * time.Second

// redisKeyPrefix namespaces loader entries in the shared cache.
const redisKeyPrefix = "covenant:policyset:"

type cacheEntry struct {
	policies []*contracts.Policy
	loadedAt time.Time
}

// Loader serves published policy sets with a two-level cache: an in-process
// map in front of an optional shared Redis cache, both in front of the
// store. Redis writes are fire-and-forget; a Redis outage degrades to
// store reads, never to request failures.
type Loader struct {
	store  Store
	redis  *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	clock  func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry // tenantID:namespace

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRedis enables the shared L2 cache.
func WithRedis(client *redis.Client) LoaderOption {
	return func(l *Loader) { l.redis = client }
}

// WithCacheTTL overrides the freshness window.
func WithCacheTTL(ttl time.Duration) LoaderOption {
	return func(l *Loader) { l.ttl = ttl }
}

// WithLoaderClock overrides the clock for deterministic testing.
func WithLoaderClock(clock func() time.Time) LoaderOption {
	return func(l *Loader) { l.clock = clock }
}

// NewLoader creates a loader over a store and registers itself for
// invalidation on store mutations when the store supports hooks.
func NewLoader(store Store, logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("covenant/policy")
	hits, _ := meter.Int64Counter("policy_cache_hits_total",
		metric.WithDescription("Policy loader cache hits by level"))
	misses, _ := meter.Int64Counter("policy_cache_misses_total",
		metric.WithDescription("Policy loader cache misses"))

	l := &Loader{
		store:  store,
		logger: logger,
		ttl:    DefaultCacheTTL,
		clock:  time.Now,
		cache:  make(map[string]cacheEntry),
		hits:   hits,
		misses: misses,
	}
	for _, opt := range opts {
		opt(l)
	}

	if hooked, ok := store.(interface{ OnMutation(MutationHook) }); ok {
		hooked.OnMutation(func(tenantID, namespace string) {
			l.Invalidate(context.Background(), tenantID, namespace)
		})
	}
	return l
}

func cacheKey(tenantID, namespace string) string {
	return tenantID + ":" + namespace
}

// Load returns the published policies for a tenant namespace, consulting
// L1, then Redis, then the store.
func (l *Loader) Load(ctx context.Context, tenantID, namespace string) ([]*contracts.Policy, error) {
	key := cacheKey(tenantID, namespace)
	now := l.clock()

	l.mu.RLock()
	entry, ok := l.cache[key]
	l.mu.RUnlock()
	if ok && now.Sub(entry.loadedAt) < l.ttl {
		l.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("level", "l1")))
		return entry.policies, nil
	}

	if policies, ok := l.loadFromRedis(ctx, key); ok {
		l.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("level", "l2")))
		l.storeLocal(key, policies, now)
		return policies, nil
	}

	l.misses.Add(ctx, 1)
	policies, err := l.store.GetPublishedPolicies(ctx, tenantID, namespace)
	if err != nil {
		return nil, fmt.Errorf("load policies for %s/%s: %w", tenantID, namespace, err)
	}

	l.storeLocal(key, policies, now)
	l.storeRedis(key, policies)
	return policies, nil
}

// Preload warms the cache for a set of tenant namespaces concurrently.
func (l *Loader) Preload(ctx context.Context, tenantIDs []string, namespaces []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, tenant := range tenantIDs {
		for _, ns := range namespaces {
			tenant, ns := tenant, ns
			g.Go(func() error {
				_, err := l.Load(ctx, tenant, ns)
				return err
			})
		}
	}
	return g.Wait()
}

// Invalidate drops a tenant namespace from both cache levels. The tenant's
// all-namespaces entry embeds the same policies, so it goes too.
func (l *Loader) Invalidate(ctx context.Context, tenantID, namespace string) {
	keys := []string{cacheKey(tenantID, namespace)}
	if namespace != "" {
		keys = append(keys, cacheKey(tenantID, ""))
	}

	l.mu.Lock()
	for _, key := range keys {
		delete(l.cache, key)
	}
	l.mu.Unlock()

	if l.redis != nil {
		for _, key := range keys {
			if err := l.redis.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
				l.logger.Warn("redis invalidate failed", "key", key, "error", err)
			}
		}
	}
}

// InvalidateAll drops every cached entry for a tenant from both levels.
func (l *Loader) InvalidateAll(ctx context.Context, tenantID string) {
	prefix := tenantID + ":"
	l.mu.Lock()
	for key := range l.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.cache, key)
		}
	}
	l.mu.Unlock()

	if l.redis != nil {
		iter := l.redis.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := l.redis.Del(ctx, iter.Val()).Err(); err != nil {
				l.logger.Warn("redis invalidate failed", "key", iter.Val(), "error", err)
			}
		}
		if err := iter.Err(); err != nil {
			l.logger.Warn("redis scan failed during invalidation", "tenant_id", tenantID, "error", err)
		}
	}
}

func (l *Loader) storeLocal(key string, policies []*contracts.Policy, now time.Time) {
	l.mu.Lock()
	l.cache[key] = cacheEntry{policies: policies, loadedAt: now}
	l.mu.Unlock()
}

func (l *Loader) loadFromRedis(ctx context.Context, key string) ([]*contracts.Policy, bool) {
	if l.redis == nil {
		return nil, false
	}
	raw, err := l.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			l.logger.Warn("redis read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var policies []*contracts.Policy
	if err := json.Unmarshal(raw, &policies); err != nil {
		l.logger.Warn("corrupt cached policy set, dropping", "key", key, "error", err)
		return nil, false
	}
	return policies, true
}

// storeRedis writes the set to Redis without blocking the caller's request
// on the result.
func (l *Loader) storeRedis(key string, policies []*contracts.Policy) {
	if l.redis == nil {
		return
	}
	raw, err := json.Marshal(policies)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.redis.Set(ctx, redisKeyPrefix+key, raw, l.ttl).Err(); err != nil {
			l.logger.Warn("redis write failed", "key", key, "error", err)
		}
	}()
}
