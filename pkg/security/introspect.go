package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Introspector synchronously checks whether an access token is still
// active at the authorization server.
type Introspector interface {
	Introspect(ctx context.Context, token string) (active bool, err error)
}

// introspection retry bounds.
const (
	introspectAttempts   = 3
	introspectBackoffMin = 100 * time.Millisecond
	introspectBackoffMax = 1 * time.Second
)

// HTTPIntrospector calls an RFC 7662 introspection endpoint behind a
// circuit breaker. When the breaker is open the caller fails closed.
type HTTPIntrospector struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker
}

// NewHTTPIntrospector creates an introspection client.
func NewHTTPIntrospector(endpoint, clientID, clientSecret string) *HTTPIntrospector {
	return &HTTPIntrospector{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "token-introspection",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Introspect posts the token to the endpoint, retrying transient failures
// with capped exponential backoff inside the breaker.
func (c *HTTPIntrospector) Introspect(ctx context.Context, token string) (bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.introspectWithRetry(ctx, token)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (c *HTTPIntrospector) introspectWithRetry(ctx context.Context, token string) (bool, error) {
	backoff := introspectBackoffMin
	var lastErr error
	for attempt := 0; attempt < introspectAttempts; attempt++ {
		active, err := c.introspectOnce(ctx, token)
		if err == nil {
			return active, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > introspectBackoffMax {
			backoff = introspectBackoffMax
		}
	}
	return false, fmt.Errorf("introspection failed after %d attempts: %w", introspectAttempts, lastErr)
}

func (c *HTTPIntrospector) introspectOnce(ctx context.Context, token string) (bool, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode introspection response: %w", err)
	}
	return body.Active, nil
}

// StaticIntrospector answers from a fixed set; used in tests and sandboxes.
type StaticIntrospector struct {
	Active map[string]bool
}

func (s *StaticIntrospector) Introspect(ctx context.Context, token string) (bool, error) {
	_ = ctx
	return s.Active[token], nil
}
