package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/observability"
)

// handleDecide runs one intent through the decision pipeline.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	r, done := s.track(r, observability.OpDecide)

	var req contracts.DecisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		done(err)
		RenderError(w, r, err)
		return
	}

	tenant := TenantFrom(r.Context())
	if req.TenantID == "" {
		req.TenantID = tenant.ID
	} else if req.TenantID != tenant.ID {
		err := contracts.NewError(contracts.CodeForbidden, "tenant mismatch")
		done(err)
		RenderError(w, r, err)
		return
	}

	reply, err := s.coordinator.Decide(r.Context(), &req)
	done(err)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, reply)
}

// signalRequest is the signal ingestion body. Timestamps are
// server-assigned; a caller-supplied id deduplicates redelivery.
type signalRequest struct {
	contracts.SignalInput
}

// handleSignal ingests one trust signal for an agent in the caller's tenant.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	r, done := s.track(r, observability.OpIngestSignal)

	var req signalRequest
	if err := decodeBody(w, r, &req); err != nil {
		done(err)
		RenderError(w, r, err)
		return
	}
	if req.EntityID == "" || req.Type == "" || req.Source == "" {
		err := contracts.NewError(contracts.CodeValidation,
			"entity_id, type, and source are required")
		done(err)
		RenderError(w, r, err)
		return
	}

	delta, err := s.trust.Ingest(r.Context(), req.SignalInput)
	done(err)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	// Dropped signals (dedup, unknown type) acknowledge without a delta.
	if delta == nil {
		RenderJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}
	RenderJSON(w, http.StatusOK, delta)
}

// handleAgentTrust returns the agent's current effective trust.
func (s *Server) handleAgentTrust(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	et, err := s.trust.Effective(r.Context(), agentID, nil, nil)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, et)
}

// decodeBody decodes a capped JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return contracts.NewError(contracts.CodeValidation, "request body too large")
		}
		return contracts.NewError(contracts.CodeValidation, "invalid request body")
	}
	return nil
}
