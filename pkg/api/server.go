package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/covenant-labs/covenant/pkg/coordinator"
	"github.com/covenant-labs/covenant/pkg/escalation"
	"github.com/covenant-labs/covenant/pkg/observability"
	"github.com/covenant-labs/covenant/pkg/policy"
	"github.com/covenant-labs/covenant/pkg/proofchain"
	"github.com/covenant-labs/covenant/pkg/tenants"
	"github.com/covenant-labs/covenant/pkg/trust"
)

// maxBodyBytes caps request bodies on every endpoint.
const maxBodyBytes = 1 << 20

// Server holds the engine components behind the HTTP surface.
type Server struct {
	coordinator *coordinator.Coordinator
	trust       *trust.Engine
	policies    policy.Store
	loader      *policy.Loader
	escalations *escalation.Manager
	recorder    *proofchain.Recorder
	registry    tenants.Registry
	logger      *slog.Logger

	telemetry   *observability.Provider
	slo         *observability.SLOTracker
	idempotency IdempotencyStore
	limiter     *RateLimiter
}

// ServerOption configures optional server collaborators.
type ServerOption func(*Server)

// WithTelemetry attaches the OpenTelemetry provider.
func WithTelemetry(p *observability.Provider) ServerOption {
	return func(s *Server) { s.telemetry = p }
}

// WithSLOTracker attaches the SLO tracker fed by the request middleware.
func WithSLOTracker(t *observability.SLOTracker) ServerOption {
	return func(s *Server) { s.slo = t }
}

// WithIdempotency attaches a replay cache for mutating requests.
func WithIdempotency(store IdempotencyStore) ServerOption {
	return func(s *Server) { s.idempotency = store }
}

// WithRateLimiter attaches a per-caller rate limiter.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer wires the HTTP surface over the engine components.
func NewServer(coord *coordinator.Coordinator, trustEngine *trust.Engine,
	policies policy.Store, loader *policy.Loader, escalations *escalation.Manager,
	recorder *proofchain.Recorder, registry tenants.Registry,
	logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coordinator: coord,
		trust:       trustEngine,
		policies:    policies,
		loader:      loader,
		escalations: escalations,
		recorder:    recorder,
		registry:    registry,
		logger:      logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, middleware-wrapped handler. Health is the only
// unauthenticated route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/decisions", s.handleDecide)
	mux.HandleFunc("POST /v1/signals", s.handleSignal)
	mux.HandleFunc("GET /v1/agents/{id}/trust", s.handleAgentTrust)

	mux.HandleFunc("POST /v1/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /v1/policies", s.handleListPolicies)
	mux.HandleFunc("GET /v1/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PUT /v1/policies/{id}", s.handleUpdatePolicy)
	mux.HandleFunc("POST /v1/policies/{id}/publish", s.handlePublishPolicy)
	mux.HandleFunc("POST /v1/policies/{id}/deprecate", s.handleDeprecatePolicy)
	mux.HandleFunc("POST /v1/policies/{id}/archive", s.handleArchivePolicy)
	mux.HandleFunc("GET /v1/policies/{id}/versions", s.handlePolicyVersions)

	mux.HandleFunc("GET /v1/escalations", s.handleListEscalations)
	mux.HandleFunc("GET /v1/escalations/{id}", s.handleGetEscalation)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", s.handleResolveEscalation)
	mux.HandleFunc("POST /v1/escalations/{id}/cancel", s.handleCancelEscalation)
	mux.HandleFunc("GET /v1/escalations/{id}/audit", s.handleEscalationAudit)

	mux.HandleFunc("GET /v1/proofs/{entityId}", s.handleProofChain)
	mux.HandleFunc("GET /v1/proofs/verify/{hash}", s.handleVerifyProof)

	mux.HandleFunc("POST /v1/admin/cache/invalidate", s.handleInvalidateCache)
	mux.HandleFunc("POST /v1/admin/escalations/scan", s.handleTimeoutScan)

	var h http.Handler = mux
	if s.idempotency != nil {
		h = IdempotencyMiddleware(s.idempotency)(h)
	}
	h = AuthMiddleware(s.registry)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("/v1/", h)
	return RequestIDMiddleware(root)
}

// track opens a telemetry span and SLO observation for one operation. The
// returned func takes the terminal error (nil on success).
func (s *Server) track(r *http.Request, op string) (*http.Request, func(error)) {
	if s.telemetry == nil && s.slo == nil {
		return r, func(error) {}
	}

	done := func(error) {}
	if s.telemetry != nil {
		ctx, finish := s.telemetry.TrackRequest(r.Context(), op)
		r = r.WithContext(ctx)
		done = finish
	}

	if s.slo == nil {
		return r, done
	}
	start := time.Now()
	return r, func(err error) {
		s.slo.Record(observability.SLOObservation{
			Operation: op,
			Latency:   time.Since(start),
			Success:   err == nil,
		})
		done(err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	RenderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
