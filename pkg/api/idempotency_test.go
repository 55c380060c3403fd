package api

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	store := NewMemoryIdempotencyStore(time.Minute).
		WithClock(func() time.Time { return now })

	store.Set("k", http.StatusOK, http.Header{}, []byte(`{"ok":true}`))

	cached, ok := store.Check("k")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, cached.StatusCode)

	now = now.Add(2 * time.Minute)
	_, ok = store.Check("k")
	assert.False(t, ok)
}

func TestIdempotencyMiddlewareReplays(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)

	var calls atomic.Int32
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/policies", nil)
		req.Header.Set("Idempotency-Key", "create-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"id":"p-1"}`, w.Body.String())
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyMiddlewareSkipsFailures(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)

	var calls atomic.Int32
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/policies", nil)
		req.Header.Set("Idempotency-Key", "create-2")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
	// Failures are not cached; the caller may retry.
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyMiddlewareIgnoresReads(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)

	var calls atomic.Int32
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
		req.Header.Set("Idempotency-Key", "read-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
	assert.Equal(t, int32(2), calls.Load())
}
