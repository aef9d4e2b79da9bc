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

// ThrottleConfig controls the identity-leak throttle.
type ThrottleConfig struct {
	HardLimit       int64         // attempts allowed per HardWindow; one more is rejected
	HardWindow      time.Duration // rolling, starts at the first attempt
	ShadowThreshold int64         // attempts per ShadowWindow that trigger a silent hold
	ShadowWindow    time.Duration // fixed, aligned to the Unix epoch
}

// DefaultThrottleConfig returns production defaults.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		HardLimit:       5,
		HardWindow:      time.Hour,
		ShadowThreshold: 2,
		ShadowWindow:    24 * time.Hour,
	}
}

// LeakThrottle counts identity-leak attempts per principal. Both counters
// fail closed: a store outage blocks rather than lets leaks through.
type LeakThrottle struct {
	store  kv.Store
	cfg    ThrottleConfig
	logger *slog.Logger
}

// NewLeakThrottle creates a LeakThrottle.
func NewLeakThrottle(store kv.Store, cfg ThrottleConfig, logger *slog.Logger) *LeakThrottle {
	return &LeakThrottle{store: store, cfg: cfg, logger: logger}
}

// Check records one leak attempt by principal. It returns
// outcome.ErrRateLimited when the hard limit is exceeded, and otherwise a
// hold reason (possibly empty) from the shadow counter. Callers must call it
// before persisting anything.
func (t *LeakThrottle) Check(ctx context.Context, principal string, now time.Time) (outcome.Reason, error) {
	n, err := t.store.Incr(ctx, "leak:"+principal, t.cfg.HardWindow)
	if err != nil {
		metrics.RecordKVFailure("leak_throttle", "fail_closed")
		t.logger.Warn("leak throttle unavailable, blocking", "error", err)
		return outcome.ReasonRateLimited, fmt.Errorf("leak throttle: %w", outcome.ErrRateLimited)
	}
	if n > t.cfg.HardLimit {
		return outcome.ReasonRateLimited, outcome.ErrRateLimited
	}

	shadowKey := fmt.Sprintf("leak_shadow:%s:%d", principal, windowIndex(now, t.cfg.ShadowWindow))
	s, err := t.store.Incr(ctx, shadowKey, t.cfg.ShadowWindow)
	if err != nil {
		metrics.RecordKVFailure("leak_shadow", "fail_closed")
		t.logger.Warn("leak shadow counter unavailable, holding", "error", err)
		return outcome.ReasonIdentityLeakThrottled, nil
	}
	if s >= t.cfg.ShadowThreshold {
		return outcome.ReasonIdentityLeakThrottled, nil
	}
	return outcome.ReasonNone, nil
}

// windowIndex numbers fixed windows of length d since the Unix epoch.
func windowIndex(now time.Time, d time.Duration) int64 {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return now.Unix() / secs
}
