package api

import (
	"net/http"
	"strconv"

	"github.com/covenant-labs/covenant/pkg/observability"
)

// invalidateRequest is the cache invalidation body. An empty namespace
// clears every namespace of the caller's tenant.
type invalidateRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		RenderError(w, r, err)
		return
	}

	tenant := TenantFrom(r.Context())
	if req.Namespace == "" {
		s.loader.InvalidateAll(r.Context(), tenant.ID)
	} else {
		s.loader.Invalidate(r.Context(), tenant.ID, req.Namespace)
	}
	s.logger.InfoContext(r.Context(), "policy cache invalidated",
		"tenant_id", tenant.ID, "namespace", req.Namespace)
	RenderJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// handleTimeoutScan triggers one escalation timeout sweep, the same sweep
// the background ticker runs.
func (s *Server) handleTimeoutScan(w http.ResponseWriter, r *http.Request) {
	r, done := s.track(r, observability.OpProcessTimeouts)

	n, err := s.escalations.ProcessTimeouts(r.Context())
	done(err)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// handleProofChain returns an entity's proof chain, oldest first.
func (s *Server) handleProofChain(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	chain, err := s.recorder.Chain(r.Context(), tenant.ID, r.PathValue("entityId"), limit)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, map[string]interface{}{"events": chain})
}

// handleVerifyProof walks the chain from the event back to genesis.
func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	result, err := s.recorder.Verify(r.Context(), tenant.ID, r.PathValue("hash"))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, result)
}
