package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("nlp_analyze", "completed"))
	ObserveRequest("nlp_analyze", "completed", 120*time.Millisecond)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("nlp_analyze", "completed"))
	if after != before+1 {
		t.Fatalf("requests_total: %v -> %v", before, after)
	}
}

func TestSetBackendHealth(t *testing.T) {
	cases := map[domain.HealthStatus]float64{
		domain.HealthHealthy:   1,
		domain.HealthDegraded:  0.5,
		domain.HealthUnhealthy: 0,
	}
	for status, want := range cases {
		SetBackendHealth("llm", status)
		if got := testutil.ToFloat64(BackendHealth.WithLabelValues("llm")); got != want {
			t.Fatalf("backend_health for %s = %v, want %v", status, got, want)
		}
	}
}

func TestConnectionGauge(t *testing.T) {
	ConnectionOpened("nlp")
	ConnectionOpened("nlp")
	ConnectionClosed("nlp")
	if got := testutil.ToFloat64(ActiveConnections.WithLabelValues("nlp")); got != 1 {
		t.Fatalf("active_connections = %v, want 1", got)
	}
	ConnectionClosed("nlp")
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	h := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status: %d", rec.Code)
	}
	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/teapot", http.MethodGet, http.StatusText(http.StatusTeapot)))
	if got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
