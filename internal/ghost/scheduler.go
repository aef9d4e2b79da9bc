// Package ghost runs the background loop that turns due pending messages
// into inbox items. Claiming, silent-hours deferral and the exactly-once
// notification intent all live in the repository; this package owns the
// cadence, wake-ups and failure isolation.
package ghost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/quiet"
	"github.com/albapepper/hush/internal/store"
)

// Config controls the scheduler.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	DefaultTZOffset int // minutes east of UTC
	Silent          quiet.Hours
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
		Silent:       quiet.DefaultHours(),
	}
}

// Scheduler is one cooperative delivery loop.
type Scheduler struct {
	repo   store.DeliveryStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	wake   chan struct{}
}

// New creates a Scheduler.
func New(repo store.DeliveryStore, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Wake requests an early tick. It never blocks; wake-ups that arrive while
// one is already pending coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks every PollInterval, or sooner when woken, until ctx is cancelled.
// Blocks; the caller joins it on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Ghost scheduler started",
		"interval", s.cfg.PollInterval, "batch", s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.wake:
		case <-ctx.Done():
			s.logger.Info("Ghost scheduler stopped")
			return nil
		}

		res, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("ghost tick failed", "error", err)
			continue
		}
		if res.Delivered+res.Deferred > 0 {
			s.logger.Info("ghost tick",
				"claimed", res.Claimed, "delivered", res.Delivered, "deferred", res.Deferred)
		}
	}
}

// RunOnce executes a single tick. A panic inside the repository is recovered
// and returned as an error so the loop survives it.
func (s *Scheduler) RunOnce(ctx context.Context) (res store.DeliveryResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ghost tick panic: %v", r)
		}
		if err != nil {
			metrics.GhostTickErrors.Inc()
			return
		}
		metrics.RecordGhostTick(res.Delivered, res.Deferred, time.Since(start).Seconds())
	}()

	res, err = s.repo.DeliverPendingMessages(ctx, store.DeliveryRun{
		Now:             s.now().UTC(),
		BatchSize:       s.cfg.BatchSize,
		DefaultTZOffset: s.cfg.DefaultTZOffset,
		Silent:          s.cfg.Silent,
	})
	if err != nil {
		return res, fmt.Errorf("deliver pending: %w", err)
	}
	return res, nil
}
