package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/health"
	"github.com/fairyhunter13/ai-orchestrator/internal/jobs"
)

// maxBodyBytes bounds submission bodies. Vision payloads carry base64
// images, so the cap is generous.
const maxBodyBytes = 8 << 20

// ReadyCheck reports whether an optional dependency is reachable.
type ReadyCheck func(ctx context.Context) error

// Server holds handler dependencies.
type Server struct {
	cfg     config.Config
	disp    *dispatch.Dispatcher
	agg     *health.Aggregator
	ready   []ReadyCheck
	listCap int
}

// NewServer wires the HTTP layer to the dispatcher and health aggregator.
func NewServer(cfg config.Config, disp *dispatch.Dispatcher, agg *health.Aggregator, ready ...ReadyCheck) *Server {
	return &Server{cfg: cfg, disp: disp, agg: agg, ready: ready, listCap: 100}
}

type submitResponse struct {
	JobID          string      `json:"job_id"`
	Status         string      `json:"status"`
	Result         interface{} `json:"result,omitempty"`
	Error          *apiError   `json:"error,omitempty"`
	ProcessingTime float64     `json:"processing_time,omitempty"`
}

// SubmitHandler accepts a capability submission, waits up to the sync
// window for the result, and otherwise hands back a job id to poll.
func (s *Server) SubmitHandler(c domain.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: body too large or unreadable", domain.ErrInvalidRequest), nil)
			return
		}
		body, opts, err := splitOptions(raw)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details := validateBody(c, body); details != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidRequest), details)
			return
		}

		timeout := s.cfg.HTTPTimeout
		if opts.TimeoutMS > 0 {
			timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
		}
		handle, err := s.disp.Submit(r.Context(), c, body, dispatch.Options{
			Deadline:   time.Now().Add(timeout),
			AllowCache: opts.AllowCache,
			Priority:   opts.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncWait)
		defer cancel()
		j, err := handle.Await(waitCtx)
		if err != nil {
			// Sync window elapsed; the job keeps running and the caller polls.
			j, _ = s.disp.Get(handle.ID())
			writeJSON(w, http.StatusAccepted, submitResponse{JobID: handle.ID(), Status: externalStatus(j.State)})
			return
		}
		resp := submitResponse{
			JobID:          j.ID,
			Status:         externalStatus(j.State),
			ProcessingTime: j.FinishTS.Sub(j.SubmitTS).Seconds(),
		}
		status := http.StatusOK
		if j.State == domain.JobSucceeded {
			resp.Result = j.Result
		} else {
			resp.Error = &apiError{Kind: j.ErrorKind, Message: "job did not complete", Details: j.Error}
			status = errorStatusFor(j)
		}
		writeJSON(w, status, resp)
	}
}

func errorStatusFor(j domain.Job) int {
	switch j.ErrorKind {
	case "timeout":
		return http.StatusGatewayTimeout
	case "no_backend_available":
		return http.StatusServiceUnavailable
	case "cancelled":
		return statusClientClosedRequest
	case "invalid_request":
		return http.StatusBadRequest
	case "overloaded":
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

type jobView struct {
	JobID       string      `json:"job_id"`
	Capability  string      `json:"capability"`
	Status      string      `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Progress    float64     `json:"progress"`
	Result      interface{} `json:"result,omitempty"`
	Error       *apiError   `json:"error,omitempty"`
}

func viewOf(j domain.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		Capability:  string(j.Capability),
		Status:      externalStatus(j.State),
		SubmittedAt: j.SubmitTS,
		Progress:    j.Progress,
	}
	if !j.StartTS.IsZero() {
		ts := j.StartTS
		v.StartedAt = &ts
	}
	if !j.FinishTS.IsZero() {
		ts := j.FinishTS
		v.FinishedAt = &ts
	}
	if j.State == domain.JobSucceeded {
		v.Result = j.Result
	}
	if j.ErrorKind != "" {
		v.Error = &apiError{Kind: j.ErrorKind, Message: j.Error}
	}
	return v
}

// JobHandler serves one job snapshot.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, ok := s.disp.Get(id)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: job %s", domain.ErrNotFound, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(j))
	}
}

// JobsListHandler serves a filtered, paginated job listing.
func (s *Server) JobsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state, ok := internalState(q.Get("status"))
		if !ok {
			writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, q.Get("status")), nil)
			return
		}
		capability := domain.Capability(q.Get("capability"))
		if capability != "" && !capability.Valid() {
			writeError(w, r, fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidRequest, capability), nil)
			return
		}
		limit, err := parseBoundedInt(q.Get("limit"), 20, 1, s.listCap)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: limit must be 1..%d", domain.ErrInvalidRequest, s.listCap), nil)
			return
		}
		offset, err := parseBoundedInt(q.Get("offset"), 0, 0, 1<<30)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: offset must be non-negative", domain.ErrInvalidRequest), nil)
			return
		}
		f := jobs.Filter{State: state, Capability: capability, Limit: limit, Offset: offset}
		if since := q.Get("since"); since != "" {
			ts, perr := time.Parse(time.RFC3339, since)
			if perr != nil {
				writeError(w, r, fmt.Errorf("%w: since must be RFC3339", domain.ErrInvalidRequest), nil)
				return
			}
			f.Since = ts
		}
		if until := q.Get("until"); until != "" {
			ts, perr := time.Parse(time.RFC3339, until)
			if perr != nil {
				writeError(w, r, fmt.Errorf("%w: until must be RFC3339", domain.ErrInvalidRequest), nil)
				return
			}
			f.Until = ts
		}
		list := s.disp.List(f)
		views := make([]jobView, 0, len(list))
		for _, j := range list {
			views = append(views, viewOf(j))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":   views,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// CancelHandler cancels a job. Idempotent: cancelling a terminal job
// returns its current snapshot unchanged.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.disp.Cancel(id) {
			writeError(w, r, fmt.Errorf("%w: job %s", domain.ErrNotFound, id), nil)
			return
		}
		j, ok := s.disp.Get(id)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: job %s", domain.ErrNotFound, id), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, viewOf(j))
	}
}

type serviceHealth struct {
	Status       string  `json:"status"`
	ResponseTime float64 `json:"response_time"`
}

// HealthHandler serves the liveness summary with per-backend status.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := s.disp.Health()
		services := make(map[string]serviceHealth, len(report.Backends))
		overall := "ok"
		for _, b := range report.Backends {
			services[b.Backend.ID] = serviceHealth{
				Status:       string(b.Health.Status),
				ResponseTime: b.Health.LastLatency.Seconds(),
			}
			if b.Health.Status == domain.HealthUnhealthy {
				overall = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   overall,
			"services": services,
		})
	}
}

// LiveHandler is a bare liveness probe.
func (s *Server) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler runs the configured readiness checks.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, check := range s.ready {
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not_ready",
					"reason": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type backendView struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status"`
	InFlight            int        `json:"in_flight"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
	Capabilities        []string   `json:"capabilities"`
}

// ComprehensiveHealthHandler serves backend health, queue depths, and
// cache statistics in one document.
func (s *Server) ComprehensiveHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := s.disp.Health()
		backends := make([]backendView, 0, len(report.Backends))
		overall := "ok"
		for _, b := range report.Backends {
			bv := backendView{
				ID:                  b.Backend.ID,
				Status:              string(b.Health.Status),
				InFlight:            b.InFlight,
				ConsecutiveFailures: b.Health.ConsecutiveFailures,
			}
			for _, c := range b.Backend.Capabilities {
				bv.Capabilities = append(bv.Capabilities, string(c))
			}
			if !b.Health.OpenCircuitUntil.IsZero() {
				ts := b.Health.OpenCircuitUntil
				bv.CircuitOpenUntil = &ts
			}
			if b.Health.Status == domain.HealthUnhealthy {
				overall = "degraded"
			}
			backends = append(backends, bv)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   overall,
			"backends": backends,
			"queues": map[string]interface{}{
				"pending":     report.Pending,
				"batch_depth": report.BatchDepth,
				"queued":      report.Queued,
				"running":     report.Running,
			},
			"cache": report.Cache,
		})
	}
}

// OpsStatusHandler mirrors the comprehensive health surface for the ops API.
func (s *Server) OpsStatusHandler() http.HandlerFunc {
	return s.ComprehensiveHealthHandler()
}

// DrainHandler marks a backend Unhealthy and suspends probing.
func (s *Server) DrainHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.agg.Drain(id) {
			writeError(w, r, fmt.Errorf("%w: backend %s", domain.ErrNotFound, id), nil)
			return
		}
		LoggerFrom(r).Info("backend drained via ops API", "backend", id)
		writeJSON(w, http.StatusOK, map[string]string{"backend": id, "status": "draining"})
	}
}

// RestoreHandler re-enables probing for a drained backend.
func (s *Server) RestoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.agg.Restore(id) {
			writeError(w, r, fmt.Errorf("%w: backend %s", domain.ErrNotFound, id), nil)
			return
		}
		LoggerFrom(r).Info("backend restored via ops API", "backend", id)
		writeJSON(w, http.StatusOK, map[string]string{"backend": id, "status": "restoring"})
	}
}

func parseBoundedInt(s string, def, lo, hi int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}
