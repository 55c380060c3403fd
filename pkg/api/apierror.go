// Package api is the HTTP boundary of the governance engine: the decision
// endpoint, signal ingestion, policy and escalation administration, and the
// middleware stack (request ids, authentication, rate limiting,
// idempotency). Errors render as RFC 7807 problem details carrying the
// machine-readable code from the contracts taxonomy.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs),
// extended with the engine's machine error code and the request id.
type ProblemDetail struct {
	Type      string                      `json:"type"`
	Title     string                      `json:"title"`
	Status    int                         `json:"status"`
	Detail    string                      `json:"detail,omitempty"`
	Instance  string                      `json:"instance,omitempty"`
	Code      contracts.ErrorCode         `json:"code"`
	RequestID string                      `json:"request_id,omitempty"`
	Fields    []contracts.ValidationError `json:"fields,omitempty"`
}

const problemTypeBase = "https://covenant-labs.io/errors/"

// statusTitles maps HTTP classes to their RFC 7807 titles.
var statusTitles = map[int]string{
	http.StatusBadRequest:          "Bad Request",
	http.StatusUnauthorized:        "Unauthorized",
	http.StatusForbidden:           "Forbidden",
	http.StatusNotFound:            "Not Found",
	http.StatusConflict:            "Conflict",
	http.StatusTooManyRequests:     "Too Many Requests",
	http.StatusGatewayTimeout:      "Gateway Timeout",
	http.StatusInternalServerError: "Internal Server Error",
}

// RenderError writes any error as a problem detail. Boundary errors keep
// their code and message; anything else becomes INTERNAL with the detail
// kept out of the response.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	var be *contracts.Error
	if !errors.As(err, &be) {
		slog.ErrorContext(r.Context(), "unhandled boundary error",
			"path", r.URL.Path, "error", err)
		be = contracts.NewError(contracts.CodeInternal,
			"an unexpected error occurred")
	}

	status := be.Code.HTTPStatus()
	problem := &ProblemDetail{
		Type:      problemTypeBase + string(be.Code),
		Title:     statusTitles[status],
		Status:    status,
		Detail:    be.Message,
		Instance:  r.URL.Path,
		Code:      be.Code,
		RequestID: RequestIDFrom(r.Context()),
		Fields:    be.Fields,
	}

	if be.Code == contracts.CodeRateLimited {
		w.Header().Set("Retry-After", "5")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// RenderCode is RenderError for a code and message with no wrapped cause.
func RenderCode(w http.ResponseWriter, r *http.Request, code contracts.ErrorCode, message string) {
	RenderError(w, r, contracts.NewError(code, message))
}

// RenderJSON writes a JSON response body with the given status.
func RenderJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
