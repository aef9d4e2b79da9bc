// Package handler provides the ops HTTP handlers: liveness, dependency
// health and a read-only view of the matching tuning state.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/albapepper/hush/internal/api/respond"
	"github.com/albapepper/hush/internal/store"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	repo       Pinger
	kv         Pinger
	tuning     store.TuningStore
	healthDays int
	version    string
	now        func() time.Time
}

// New creates a Handler. healthDays is the window reported by /tuning.
func New(repo Pinger, kv Pinger, tuning store.TuningStore, healthDays int, version string) *Handler {
	return &Handler{
		repo:       repo,
		kv:         kv,
		tuning:     tuning,
		healthDays: healthDays,
		version:    version,
		now:        time.Now,
	}
}

// Root serves service info at /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "hush",
		"version": h.version,
		"status":  "running",
	})
}

// HealthCheck returns basic health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies repository connectivity.
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	h.dependency(w, r, "database", h.repo)
}

// HealthCheckKV verifies the KV store used for cooldowns and throttles.
func (h *Handler) HealthCheckKV(w http.ResponseWriter, r *http.Request) {
	h.dependency(w, r, "kv", h.kv)
}

func (h *Handler) dependency(w http.ResponseWriter, r *http.Request, name string, p Pinger) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	ts := h.now().UTC().Format(time.RFC3339)
	if err := p.Ping(ctx); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			name:        "disconnected",
			"error":     name + " connection check failed",
			"timestamp": ts,
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		name:        "connected",
		"timestamp": ts,
	})
}

// GetTuning returns the current MatchingTuning row and rolling health.
func (h *Handler) GetTuning(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.tuning.GetMatchingTuning(ctx)
	if err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "TUNING_UNAVAILABLE", "Could not read matching tuning")
		return
	}
	health, err := h.tuning.GetGlobalMatchingHealth(ctx, h.now().UTC(), h.healthDays)
	if err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "HEALTH_UNAVAILABLE", "Could not read matching health")
		return
	}
	out := map[string]any{
		"intensity_band":       t.IntensityBand,
		"low_pool_multiplier":  t.LowPoolMultiplier,
		"high_pool_multiplier": t.HighPoolMultiplier,
		"allow_theme_relax":    t.AllowThemeRelax,
		"window_days":          h.healthDays,
		"delivered":            health.Delivered,
		"positive_acks":        health.PositiveAcks,
		"ratio":                health.Ratio,
	}
	if !t.UpdatedAt.IsZero() {
		out["updated_at"] = t.UpdatedAt.UTC().Format(time.RFC3339)
	}
	respond.WriteJSONObject(w, http.StatusOK, out)
}
