package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/hush/internal/kv"
	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/outcome"
)

// RateLimitConfig bounds submissions per principal per fixed window.
type RateLimitConfig struct {
	Requests int64
	Window   time.Duration
}

// DefaultRateLimitConfig returns production defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Requests: 20, Window: time.Hour}
}

// RateLimiter is a fixed-window counter in the shared store. It fails open:
// a store outage must not block unrelated traffic.
type RateLimiter struct {
	store  kv.Store
	cfg    RateLimitConfig
	logger *slog.Logger
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(store kv.Store, cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{store: store, cfg: cfg, logger: logger}
}

// Allow counts one action and returns outcome.ErrRateLimited when the
// principal is over budget.
func (l *RateLimiter) Allow(ctx context.Context, action, principal string, now time.Time) error {
	if l.cfg.Requests <= 0 {
		return nil
	}
	key := fmt.Sprintf("rl:%s:%s:%d", action, principal, windowIndex(now, l.cfg.Window))
	n, err := l.store.Incr(ctx, key, l.cfg.Window)
	if err != nil {
		metrics.RecordKVFailure("rate_limit", "fail_open")
		l.logger.Warn("rate limiter unavailable, allowing", "action", action, "error", err)
		return nil
	}
	if n > l.cfg.Requests {
		return outcome.ErrRateLimited
	}
	return nil
}
