package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "covenant-governor", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestRecordingAgainstDisabledProvider(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Recording against a disabled provider is a no-op, never a panic.
	ctx := context.Background()
	p.RecordDecision(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordLatency(ctx, 100*time.Millisecond)
}

func TestTrackRequest(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackRequest(context.Background(), "decide",
		DecisionAttrs("tenant-1", "agent-1", "payment", "deny")...)
	require.NotNil(t, ctx)
	done(nil)
}

func TestTrackRequestWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, done := p.TrackRequest(context.Background(), "decide")
	done(errors.New("request denied"))
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "evaluate")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestDecisionAttrs(t *testing.T) {
	attrs := DecisionAttrs("tenant-1", "agent-1", "payment", "deny")
	require.Len(t, attrs, 4)
	require.Equal(t, "covenant.tenant.id", string(attrs[0].Key))
	require.Equal(t, "deny", attrs[3].Value.AsString())
}

func TestTrustAttrs(t *testing.T) {
	attrs := TrustAttrs("agent-1", 700, "T4")
	require.Len(t, attrs, 3)
	require.Equal(t, "covenant.trust.score", string(attrs[1].Key))
	require.Equal(t, int64(700), attrs[1].Value.AsInt64())
}

func TestEscalationAttrs(t *testing.T) {
	attrs := EscalationAttrs("tenant-1", "esc-1", "approved")
	require.Len(t, attrs, 3)
	require.Equal(t, "covenant.escalation.status", string(attrs[2].Key))
	require.Equal(t, "approved", attrs[2].Value.AsString())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "policy_loaded", attribute.Int("count", 3))
	SetSpanError(ctx, errors.New("test error"))
	SetSpanError(ctx, nil)
}
