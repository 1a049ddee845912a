package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-orchestrator/internal/admission"
	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/cache"
	"github.com/fairyhunter13/ai-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/health"
	"github.com/fairyhunter13/ai-orchestrator/internal/jobs"
	"github.com/fairyhunter13/ai-orchestrator/internal/registry"
)

// scriptedCaller lets tests delay or fail backend calls.
type scriptedCaller struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
}

func (s *scriptedCaller) Call(ctx context.Context, _ domain.Backend, _ domain.Capability, _ json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	delay, err := s.delay, s.err
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"sentiment":"positive"}`), nil
}

func (s *scriptedCaller) CallBatch(ctx context.Context, b domain.Backend, c domain.Capability, bodies []json.RawMessage) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(bodies))
	for _, body := range bodies {
		res, err := s.Call(ctx, b, c, body)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *scriptedCaller) Probe(context.Context, domain.Backend) error { return nil }

type testEnv struct {
	srv    *httpserver.Server
	disp   *dispatch.Dispatcher
	agg    *health.Aggregator
	caller *scriptedCaller
}

func newTestEnv(t *testing.T, syncWait time.Duration) *testEnv {
	t.Helper()
	fleet := []domain.Backend{
		{ID: "nlp", BaseURL: "http://nlp", Capabilities: []domain.Capability{domain.CapNLPAnalyze}, MaxInFlight: 8, Weight: 1},
		{ID: "llm", BaseURL: "http://llm", Capabilities: []domain.Capability{domain.CapLLMCompletion, domain.CapLLMChat}, MaxInFlight: 8, Weight: 1, SupportsBatch: true},
	}
	reg, err := registry.New(fleet)
	require.NoError(t, err)
	adm := admission.NewController(fleet, 100)
	caller := &scriptedCaller{}
	rc := cache.New(64, time.Hour, nil)
	jm := jobs.NewManager(time.Hour)
	agg := health.New(reg, adm, caller, time.Minute, 30*time.Second, 5)
	disp := dispatch.New(dispatch.Config{
		RetryMaxAttempts:     2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		DefaultTimeout:       2 * time.Second,
		MaxBatchSize:         4,
		MaxBatchWait:         5 * time.Millisecond,
	}, reg, adm, caller, rc, jm, agg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Shutdown(ctx)
	})

	cfg := config.Config{AppEnv: "test", HTTPTimeout: 2 * time.Second, SyncWait: syncWait}
	srv := httpserver.NewServer(cfg, disp, agg)
	return &testEnv{srv: srv, disp: disp, agg: agg, caller: caller}
}

func postJSON(t *testing.T, h http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// withURLParam injects a chi route parameter into the request context.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestSubmitHandler_SyncSuccess(t *testing.T) {
	env := newTestEnv(t, time.Second)
	rec := postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"great","task":"sentiment"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	m := decode(t, rec)
	require.Equal(t, "completed", m["status"])
	require.NotEmpty(t, m["job_id"])
	result, ok := m["result"].(map[string]any)
	require.True(t, ok, "result missing: %v", m)
	require.Equal(t, "positive", result["sentiment"])
}

func TestSubmitHandler_ValidationError(t *testing.T) {
	env := newTestEnv(t, time.Second)
	rec := postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"task":"sentiment"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	m := decode(t, rec)
	errObj, ok := m["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "invalid_request", errObj["kind"])
	require.NotNil(t, errObj["details"])
}

func TestSubmitHandler_InvalidPriority(t *testing.T) {
	env := newTestEnv(t, time.Second)
	rec := postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"x","task":"y","priority":"urgent"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandler_AsyncFallback(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	env.caller.delay = 150 * time.Millisecond

	rec := postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"slow","task":"sentiment"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	m := decode(t, rec)
	jobID, _ := m["job_id"].(string)
	require.NotEmpty(t, jobID)
	require.Contains(t, []any{"queued", "running"}, m["status"])

	// Poll until the job settles.
	deadline := time.Now().Add(2 * time.Second)
	for {
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil), "id", jobID)
		rec := httptest.NewRecorder()
		env.srv.JobHandler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		m := decode(t, rec)
		if m["status"] == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %v", m)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitHandler_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.caller.err = domain.ErrUpstreamClient

	rec := postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"x","task":"y"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	m := decode(t, rec)
	require.Equal(t, "failed", m["status"])
	errObj := m["error"].(map[string]any)
	require.Equal(t, "upstream_client", errObj["kind"])
}

func TestJobHandler_NotFound(t *testing.T) {
	env := newTestEnv(t, time.Second)
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/jobs/ghost", nil), "id", "ghost")
	rec := httptest.NewRecorder()
	env.srv.JobHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsListHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"a","task":"x"}`)
	postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"b","task":"x"}`)

	req := httptest.NewRequest(http.MethodGet, "/jobs?status=completed&capability=nlp_analyze&limit=10", nil)
	rec := httptest.NewRecorder()
	env.srv.JobsListHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	jobsList, ok := m["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobsList, 2)

	// Bad filters are rejected.
	for _, q := range []string{"status=bogus", "capability=bogus", "limit=0", "limit=9999", "offset=-1", "since=not-a-time"} {
		req := httptest.NewRequest(http.MethodGet, "/jobs?"+q, nil)
		rec := httptest.NewRecorder()
		env.srv.JobsListHandler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "query %s", q)
	}
}

func TestCancelHandler(t *testing.T) {
	env := newTestEnv(t, 10*time.Millisecond)
	env.caller.delay = 300 * time.Millisecond

	rec := postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"x","task":"y"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/jobs/"+jobID, nil), "id", jobID)
	rec2 := httptest.NewRecorder()
	env.srv.CancelHandler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusAccepted, rec2.Code)
	require.Equal(t, "cancelled", decode(t, rec2)["status"])

	// Unknown job.
	req = withURLParam(httptest.NewRequest(http.MethodDelete, "/jobs/ghost", nil), "id", "ghost")
	rec3 := httptest.NewRecorder()
	env.srv.CancelHandler().ServeHTTP(rec3, req)
	require.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestHealthHandlers(t *testing.T) {
	env := newTestEnv(t, time.Second)

	rec := httptest.NewRecorder()
	env.srv.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	require.Equal(t, "ok", m["status"])
	services := m["services"].(map[string]any)
	require.Contains(t, services, "nlp")
	require.Contains(t, services, "llm")

	rec = httptest.NewRecorder()
	env.srv.LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.srv.ComprehensiveHealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/comprehensive", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	m = decode(t, rec)
	require.Contains(t, m, "backends")
	require.Contains(t, m, "queues")
	require.Contains(t, m, "cache")
}

func TestReadyHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)

	rec := httptest.NewRecorder()
	env.srv.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	failing := httpserver.NewServer(config.Config{}, env.disp, env.agg, func(context.Context) error {
		return context.DeadlineExceeded
	})
	rec = httptest.NewRecorder()
	failing.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not_ready", decode(t, rec)["status"])
}

func TestDrainRestoreHandlers(t *testing.T) {
	env := newTestEnv(t, time.Second)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/ops/backends/nlp/drain", nil), "id", "nlp")
	rec := httptest.NewRecorder()
	env.srv.DrainHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Drained backend turns the health summary degraded and sheds its traffic.
	rec = httptest.NewRecorder()
	env.srv.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, "degraded", decode(t, rec)["status"])

	rec = postJSON(t, env.srv.SubmitHandler(domain.CapNLPAnalyze), "/ai/nlp/process", `{"text":"x","task":"y"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req = withURLParam(httptest.NewRequest(http.MethodPost, "/ops/backends/nlp/restore", nil), "id", "nlp")
	rec = httptest.NewRecorder()
	env.srv.RestoreHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown backend.
	req = withURLParam(httptest.NewRequest(http.MethodPost, "/ops/backends/ghost/drain", nil), "id", "ghost")
	rec = httptest.NewRecorder()
	env.srv.DrainHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
