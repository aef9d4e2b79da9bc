// Package api serves the ops surface: health checks, the tuning view and
// Prometheus metrics. There is no public submission API here.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albapepper/hush/internal/api/handler"
)

// NewRouter creates and configures the Chi router with all middleware and
// routes. A nil limiter disables rate limiting.
func NewRouter(h *handler.Handler, limiter *ClientLimiter) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(TimingMiddleware)

	// Rate limiting
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/kv", h.HealthCheckKV)
	})

	r.Get("/tuning", h.GetTuning)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
