package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// CachedResponse is a previously-sent response held for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore is the replay cache behind IdempotencyMiddleware.
type IdempotencyStore interface {
	Check(key string) (*CachedResponse, bool)
	Set(key string, statusCode int, header http.Header, body []byte)
}

// MemoryIdempotencyStore keeps cached responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store with the given TTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryIdempotencyStore) WithClock(clock func() time.Time) *MemoryIdempotencyStore {
	s.clock = clock
	return s
}

// Check returns the cached response for key if present and unexpired.
// Expired entries are dropped on read, so no sweeper goroutine is needed.
func (s *MemoryIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.clock().Sub(cached.CachedAt) > s.ttl {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return cached, true
}

// Set stores a response under key.
func (s *MemoryIdempotencyStore) Set(key string, statusCode int, header http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &CachedResponse{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
		CachedAt:   s.clock(),
	}
}

// responseCapture records the response for later replay.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the cached response for mutating requests
// that repeat an Idempotency-Key. Only 2xx responses are cached; failures
// may be retried with the same key.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if t := TenantFrom(r.Context()); t != nil {
				key = t.ID + ":" + key
			}

			if cached, ok := store.Check(key); ok {
				for name, vals := range cached.Header {
					for _, v := range vals {
						w.Header().Add(name, v)
					}
				}
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
