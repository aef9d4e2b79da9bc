// Package tuning is the closed-loop controller over MatchingTuning. It is the
// only writer of that row.
package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/store"
)

// Direction is what a run did to the tuning row.
type Direction string

const (
	DirectionTighten      Direction = "tighten"
	DirectionRelax        Direction = "relax"
	DirectionUnchanged    Direction = "unchanged"
	DirectionInsufficient Direction = "insufficient_signal"
)

// Config holds the controller thresholds.
type Config struct {
	WindowDays int
	MinSample  int64
	Low        float64 // ratio below this tightens
	High       float64 // ratio above this relaxes
	Step       float64 // multiplier step per run
	LowFloor   float64 // LowPoolMultiplier never goes below
	HighCeil   float64 // HighPoolMultiplier never goes above
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowDays: 7,
		MinSample:  50,
		Low:        0.2,
		High:       0.5,
		Step:       0.25,
		LowFloor:   1.0,
		HighCeil:   3.0,
	}
}

// Report describes one run.
type Report struct {
	Health    store.Health
	Direction Direction
	Before    store.Tuning
	After     store.Tuning
}

// Loop runs the controller.
type Loop struct {
	repo   store.TuningStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Loop.
func New(repo store.TuningStore, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Run reads rolling health and updates MatchingTuning when the ratio leaves
// the [Low, High] band.
func (l *Loop) Run(ctx context.Context) (Report, error) {
	now := l.now().UTC()
	health, err := l.repo.GetGlobalMatchingHealth(ctx, now, l.cfg.WindowDays)
	if err != nil {
		return Report{}, fmt.Errorf("matching health: %w", err)
	}
	before, err := l.repo.GetMatchingTuning(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("matching tuning: %w", err)
	}

	after, dir := l.Adjust(before, health)
	rep := Report{Health: health, Direction: dir, Before: before, After: after}
	metrics.RecordTuning(string(dir), health.Ratio)

	if dir == DirectionTighten || dir == DirectionRelax {
		after.UpdatedAt = now
		if err := l.repo.UpdateMatchingTuning(ctx, after); err != nil {
			return Report{}, fmt.Errorf("update tuning: %w", err)
		}
		rep.After = after
		l.logger.Info("Matching tuning adjusted",
			"direction", dir,
			"ratio", health.Ratio,
			"delivered", health.Delivered,
			"band", after.IntensityBand,
			"low_mult", after.LowPoolMultiplier,
			"high_mult", after.HighPoolMultiplier,
			"theme_relax", after.AllowThemeRelax)
	}
	return rep, nil
}

// Adjust is the pure control step.
func (l *Loop) Adjust(t store.Tuning, h store.Health) (store.Tuning, Direction) {
	switch {
	case h.Delivered < l.cfg.MinSample:
		return t, DirectionInsufficient
	case h.Ratio < l.cfg.Low:
		t.IntensityBand = max(0, t.IntensityBand-1)
		t.LowPoolMultiplier = math.Max(l.cfg.LowFloor, t.LowPoolMultiplier-l.cfg.Step)
		t.AllowThemeRelax = false
		return t, DirectionTighten
	case h.Ratio > l.cfg.High:
		t.IntensityBand = min(2, t.IntensityBand+1)
		t.HighPoolMultiplier = math.Min(l.cfg.HighCeil, t.HighPoolMultiplier+l.cfg.Step)
		t.AllowThemeRelax = true
		return t, DirectionRelax
	default:
		return t, DirectionUnchanged
	}
}
