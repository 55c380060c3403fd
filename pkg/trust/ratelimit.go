package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// SourceLimiter enforces the per-source per-hour signal rate limit.
type SourceLimiter interface {
	// Allow reports whether the source may submit another signal now.
	Allow(ctx context.Context, source string) (bool, error)
}

// LocalLimiter is a per-process SourceLimiter backed by token buckets.
type LocalLimiter struct {
	perHour int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates a limiter allowing perHour signals per source.
func NewLocalLimiter(perHour int) *LocalLimiter {
	return &LocalLimiter{
		perHour: perHour,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, source string) (bool, error) {
	_ = ctx
	if l.perHour <= 0 {
		return true, nil
	}

	l.mu.Lock()
	bucket, ok := l.buckets[source]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.perHour)), l.perHour)
		l.buckets[source] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow(), nil
}

// RedisLimiter is a shared SourceLimiter using a fixed one-hour window
// counter per source. Suitable when multiple engine replicas ingest signals.
type RedisLimiter struct {
	client  *redis.Client
	perHour int
}

// NewRedisLimiter creates a shared limiter allowing perHour signals per
// source across all replicas.
func NewRedisLimiter(client *redis.Client, perHour int) *RedisLimiter {
	return &RedisLimiter{client: client, perHour: perHour}
}

func (l *RedisLimiter) Allow(ctx context.Context, source string) (bool, error) {
	if l.perHour <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("covenant:sigrate:%s:%d", source, time.Now().Unix()/3600)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	if count == 1 {
		l.client.Expire(ctx, key, time.Hour)
	}
	return count <= int64(l.perHour), nil
}
