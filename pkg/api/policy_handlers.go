package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/policy"
)

// createPolicyRequest is the policy creation body.
type createPolicyRequest struct {
	Name        string                     `json:"name"`
	Namespace   string                     `json:"namespace"`
	Description string                     `json:"description,omitempty"`
	Definition  contracts.PolicyDefinition `json:"definition"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeBody(w, r, &req); err != nil {
		RenderError(w, r, err)
		return
	}

	tenant := TenantFrom(r.Context())
	created, err := s.policies.Create(r.Context(), policy.CreateInput{
		TenantID:    tenant.ID,
		Name:        req.Name,
		Namespace:   req.Namespace,
		Description: req.Description,
		Definition:  req.Definition,
		CreatedBy:   tenant.ID,
	})
	if err != nil {
		RenderError(w, r, policyError(err))
		return
	}
	RenderJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	q := r.URL.Query()

	filter := policy.ListFilter{
		TenantID:  tenant.ID,
		Namespace: q.Get("namespace"),
		Status:    contracts.PolicyStatus(q.Get("status")),
		Name:      q.Get("name"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	list, err := s.policies.List(r.Context(), filter)
	if err != nil {
		RenderError(w, r, policyError(err))
		return
	}
	RenderJSON(w, http.StatusOK, map[string]interface{}{"policies": list})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	p, err := s.policies.FindByID(r.Context(), r.PathValue("id"), tenant.ID)
	if err != nil {
		RenderError(w, r, policyError(err))
		return
	}
	if p == nil {
		RenderCode(w, r, contracts.CodeNotFound, "policy not found")
		return
	}
	RenderJSON(w, http.StatusOK, p)
}

// updatePolicyRequest is the policy update body. Absent fields are
// untouched.
type updatePolicyRequest struct {
	Definition    *contracts.PolicyDefinition `json:"definition,omitempty"`
	Description   *string                     `json:"description,omitempty"`
	ChangeSummary string                      `json:"change_summary,omitempty"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req updatePolicyRequest
	if err := decodeBody(w, r, &req); err != nil {
		RenderError(w, r, err)
		return
	}

	tenant := TenantFrom(r.Context())
	updated, err := s.policies.Update(r.Context(), r.PathValue("id"), tenant.ID, policy.UpdateInput{
		Definition:    req.Definition,
		Description:   req.Description,
		ChangeSummary: req.ChangeSummary,
		UpdatedBy:     tenant.ID,
	})
	if err != nil {
		RenderError(w, r, policyError(err))
		return
	}
	if updated == nil {
		RenderCode(w, r, contracts.CodeNotFound, "policy not found")
		return
	}
	RenderJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePublishPolicy(w http.ResponseWriter, r *http.Request) {
	s.transitionPolicy(w, r, s.policies.Publish)
}

func (s *Server) handleDeprecatePolicy(w http.ResponseWriter, r *http.Request) {
	s.transitionPolicy(w, r, s.policies.Deprecate)
}

func (s *Server) handleArchivePolicy(w http.ResponseWriter, r *http.Request) {
	s.transitionPolicy(w, r, s.policies.Archive)
}

func (s *Server) transitionPolicy(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, tenantID, actor string) (*contracts.Policy, error)) {
	tenant := TenantFrom(r.Context())
	p, err := fn(r.Context(), r.PathValue("id"), tenant.ID, tenant.ID)
	if err != nil {
		RenderError(w, r, policyError(err))
		return
	}
	if p == nil {
		RenderCode(w, r, contracts.CodeNotFound, "policy not found")
		return
	}
	RenderJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	versions, err := s.policies.GetVersionHistory(r.Context(), r.PathValue("id"), tenant.ID)
	if err != nil {
		RenderError(w, r, policyError(err))
		return
	}
	RenderJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

// policyError maps store errors onto the boundary taxonomy.
func policyError(err error) error {
	var vf *policy.ValidationFailure
	switch {
	case errors.As(err, &vf):
		be := contracts.NewError(contracts.CodeValidation, "policy definition validation failed")
		be.Fields = vf.Errors
		return be
	case errors.Is(err, policy.ErrChecksumConflict):
		return contracts.NewError(contracts.CodeConflict, err.Error())
	case errors.Is(err, policy.ErrNotPublishable):
		return contracts.NewError(contracts.CodeConflict, err.Error())
	default:
		return err
	}
}
