package api

import (
	"net/http"
	"strconv"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/escalation"
	"github.com/covenant-labs/covenant/pkg/observability"
)

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	q := r.URL.Query()

	query := escalation.Query{
		Status:      contracts.EscalationStatus(q.Get("status")),
		IntentID:    q.Get("intent_id"),
		EntityID:    q.Get("entity_id"),
		EscalatedTo: q.Get("escalated_to"),
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		query.Offset, _ = strconv.Atoi(v)
	}

	list, err := s.escalations.Query(r.Context(), tenant.ID, query)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, map[string]interface{}{"escalations": list})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	esc, err := s.escalations.Get(r.Context(), tenant.ID, r.PathValue("id"))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, esc)
}

// resolveRequest is the escalation resolution body.
type resolveRequest struct {
	Resolution string `json:"resolution"` // approved | rejected
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// handleResolveEscalation resolves a pending escalation and returns the
// materialized decision for the suspended intent.
func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	r, done := s.track(r, observability.OpResolve)

	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		done(err)
		RenderError(w, r, err)
		return
	}
	if req.ResolvedBy == "" {
		err := contracts.NewError(contracts.CodeValidation, "resolved_by is required")
		done(err)
		RenderError(w, r, err)
		return
	}

	tenant := TenantFrom(r.Context())
	reply, err := s.coordinator.ResolveEscalation(r.Context(), tenant.ID,
		r.PathValue("id"), req.Resolution, req.ResolvedBy, req.Notes)
	done(err)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, reply)
}

// cancelRequest is the escalation cancellation body.
type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
	Notes       string `json:"notes,omitempty"`
}

func (s *Server) handleCancelEscalation(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(w, r, &req); err != nil {
		RenderError(w, r, err)
		return
	}
	if req.CancelledBy == "" {
		RenderCode(w, r, contracts.CodeValidation, "cancelled_by is required")
		return
	}

	tenant := TenantFrom(r.Context())
	esc, err := s.escalations.Cancel(r.Context(), tenant.ID, r.PathValue("id"),
		req.CancelledBy, req.Notes)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, esc)
}

func (s *Server) handleEscalationAudit(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	trail, err := s.escalations.AuditTrail(r.Context(), tenant.ID, r.PathValue("id"))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, http.StatusOK, map[string]interface{}{"audit": trail})
}
