package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func renderTo(t *testing.T, err error) (*httptest.ResponseRecorder, ProblemDetail) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/decisions", nil)
	RenderError(w, r, err)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	return w, problem
}

func TestRenderBoundaryError(t *testing.T) {
	w, problem := renderTo(t, contracts.NewError(contracts.CodeForbidden, "tier requirements unmet"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, contracts.CodeForbidden, problem.Code)
	assert.Equal(t, "Forbidden", problem.Title)
	assert.Equal(t, "tier requirements unmet", problem.Detail)
	assert.Equal(t, "/v1/decisions", problem.Instance)
}

func TestRenderWrappedBoundaryError(t *testing.T) {
	inner := contracts.NewError(contracts.CodeNotFound, "policy not found")
	w, problem := renderTo(t, fmt.Errorf("lookup: %w", inner))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, contracts.CodeNotFound, problem.Code)
}

func TestRenderUnknownErrorHidesDetail(t *testing.T) {
	w, problem := renderTo(t, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, contracts.CodeInternal, problem.Code)
	assert.NotContains(t, problem.Detail, "pq:")
}

func TestRenderRateLimitedSetsRetryAfter(t *testing.T) {
	w, _ := renderTo(t, contracts.NewError(contracts.CodeRateLimited, "slow down"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestRenderValidationFields(t *testing.T) {
	be := contracts.NewError(contracts.CodeValidation, "policy definition validation failed")
	be.Fields = []contracts.ValidationError{{Path: "rules[0].id", Message: "rule id is required", Code: "required"}}
	w, problem := renderTo(t, be)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.Len(t, problem.Fields, 1)
	assert.Equal(t, "rules[0].id", problem.Fields[0].Path)
}
