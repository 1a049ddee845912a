// Package app assembles the HTTP router and process-level readiness.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit submission endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/ai/llm/completion", srv.SubmitHandler(domain.CapLLMCompletion))
		wr.Post("/ai/llm/chat", srv.SubmitHandler(domain.CapLLMChat))
		wr.Post("/ai/vision/analyze", srv.SubmitHandler(domain.CapVisionAnalyze))
		wr.Post("/ai/nlp/process", srv.SubmitHandler(domain.CapNLPAnalyze))
		wr.Post("/data/process", srv.SubmitHandler(domain.CapDataProcess))
	})

	// Job inspection and cancellation
	r.Get("/jobs/{id}", srv.JobHandler())
	r.Get("/jobs", srv.JobsListHandler())
	r.Delete("/jobs/{id}", srv.CancelHandler())

	// Health and metrics
	r.Get("/health", srv.HealthHandler())
	r.Get("/health/live", srv.LiveHandler())
	r.Get("/health/ready", srv.ReadyHandler())
	r.Get("/health/comprehensive", srv.ComprehensiveHealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// Ops surface
	r.Route("/ops", func(or chi.Router) {
		or.Get("/status", srv.OpsStatusHandler())
		or.Post("/backends/{id}/drain", srv.DrainHandler())
		or.Post("/backends/{id}/restore", srv.RestoreHandler())
	})

	return httpserver.SecurityHeaders(r)
}
