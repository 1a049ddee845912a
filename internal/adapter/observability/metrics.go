package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of dispatched requests by capability and outcome",
		},
		[]string{"capability", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"capability"},
	)
	ModelInferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_inference_total",
			Help: "Total number of backend inference calls by capability and outcome",
		},
		[]string{"capability", "status"},
	)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors by capability and kind",
		},
		[]string{"capability", "kind"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Outstanding backend calls per backend",
		},
		[]string{"backend"},
	)
	BackendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_health",
			Help: "Backend health (1 healthy, 0.5 degraded, 0 unhealthy)",
		},
		[]string{"backend"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queued",
			Help: "Jobs waiting for admission or batching",
		},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Jobs with an outstanding backend call",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Response cache hits",
		},
	)
	SingleFlightJoinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "singleflight_joins_total",
			Help: "Submissions that joined an in-flight identical request",
		},
	)
	BatchSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Distribution of sealed batch sizes",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ModelInferenceTotal)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(BackendHealth)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(SingleFlightJoinsTotal)
	prometheus.MustRegister(BatchSizeHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveRequest records one settled submission.
func ObserveRequest(capability, status string, dur time.Duration) {
	RequestsTotal.WithLabelValues(capability, status).Inc()
	RequestDuration.WithLabelValues(capability).Observe(dur.Seconds())
}

// ObserveInference records one backend invocation.
func ObserveInference(capability, status string) {
	ModelInferenceTotal.WithLabelValues(capability, status).Inc()
}

// RecordError counts one error by capability and taxonomy kind.
func RecordError(capability, kind string) {
	ErrorsTotal.WithLabelValues(capability, kind).Inc()
}

// SetBackendHealth publishes the numeric health gauge for a backend.
func SetBackendHealth(backendID string, status domain.HealthStatus) {
	v := 0.0
	switch status {
	case domain.HealthHealthy:
		v = 1
	case domain.HealthDegraded:
		v = 0.5
	}
	BackendHealth.WithLabelValues(backendID).Set(v)
}

// ConnectionOpened and ConnectionClosed track outstanding backend calls.
func ConnectionOpened(backendID string) { ActiveConnections.WithLabelValues(backendID).Inc() }

// ConnectionClosed decrements the outstanding-call gauge.
func ConnectionClosed(backendID string) { ActiveConnections.WithLabelValues(backendID).Dec() }
