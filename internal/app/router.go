// Package app assembles the scheduler's HTTP surface: the chi router with
// its middleware chain and the readiness checks the probes run.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/Milvasoft/milvaion-sub004/internal/adapter/httpserver"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows every origin.
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

// BuildRouter constructs the admin API handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited per client IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/jobs", srv.CreateJobHandler())
		wr.Patch("/v1/jobs/{id}", srv.PatchJobHandler())
		wr.Delete("/v1/jobs/{id}", srv.DeleteJobHandler())
		wr.Post("/v1/jobs/{id}/trigger", srv.TriggerJobHandler())
		wr.Post("/v1/jobs/{id}/activate", srv.ActivateJobHandler())
		wr.Post("/v1/occurrences/{id}/cancel", srv.CancelOccurrenceHandler())
		wr.Post("/v1/dlq/{id}/resolve", srv.ResolveDeadLetterHandler())
		wr.Post("/v1/dispatcher/pause", srv.PauseDispatcherHandler())
		wr.Post("/v1/dispatcher/resume", srv.ResumeDispatcherHandler())
	})

	// Read-only endpoints.
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Get("/v1/occurrences", srv.ListOccurrencesHandler())
	r.Get("/v1/occurrences/{id}", srv.GetOccurrenceHandler())
	r.Get("/v1/occurrences/{id}/logs", srv.OccurrenceLogsHandler())
	r.Get("/v1/workers", srv.ListWorkersHandler())
	r.Get("/v1/workers/{id}", srv.GetWorkerHandler())
	r.Get("/v1/dlq", srv.ListDeadLettersHandler())
	r.Get("/v1/dispatcher/status", srv.DispatcherStatusHandler())

	// Health and metrics.
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
