// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the northbound REST API of the orchestrator: capability
// submission endpoints, job inspection and cancellation, health
// surfaces, and the ops controls. The package keeps HTTP concerns apart
// from dispatch logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// statusClientClosedRequest mirrors nginx's non-standard 499 for
// caller-initiated cancellation.
const statusClientClosedRequest = 499

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the internal error taxonomy onto HTTP statuses.
// Backend detail stays in the details field so the top-level message is
// stable for log scraping.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrOverloaded):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNoBackend):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrUpstreamClient),
		errors.Is(err, domain.ErrUpstreamServer),
		errors.Is(err, domain.ErrMalformedResponse),
		errors.Is(err, domain.ErrBatchShort),
		errors.Is(err, domain.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrCancelled):
		status = statusClientClosedRequest
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Kind:    domain.ErrorKind(err),
		Message: err.Error(),
		Details: details,
	}})
}

// externalStatus maps a job state onto the API status vocabulary.
func externalStatus(s domain.JobState) string {
	switch s {
	case domain.JobQueued, domain.JobAdmitted:
		return "queued"
	case domain.JobRunning:
		return "running"
	case domain.JobSucceeded:
		return "completed"
	case domain.JobCancelled:
		return "cancelled"
	case domain.JobTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// internalState maps an API status filter back onto job states. The
// second return is false for unknown values.
func internalState(s string) (domain.JobState, bool) {
	switch s {
	case "":
		return "", true
	case "queued":
		return domain.JobQueued, true
	case "running":
		return domain.JobRunning, true
	case "completed":
		return domain.JobSucceeded, true
	case "failed":
		return domain.JobFailed, true
	case "cancelled":
		return domain.JobCancelled, true
	case "timed_out":
		return domain.JobTimedOut, true
	default:
		return "", false
	}
}
