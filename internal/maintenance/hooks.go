package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/hush/internal/tuning"
)

// Tuner runs one health tuning pass.
type Tuner interface {
	Run(ctx context.Context) (tuning.Report, error)
}

// OfferExpirer marks stale second-touch offers expired.
type OfferExpirer interface {
	ExpireOffers(ctx context.Context) (int, error)
}

// RunTuning runs the tuning loop once and logs the result. Used by the
// ticker and by the CLI.
func RunTuning(ctx context.Context, t Tuner, logger *slog.Logger) error {
	start := time.Now()
	rep, err := t.Run(ctx)
	dur := time.Since(start).Round(time.Millisecond)
	if err != nil {
		logger.Warn("Tuning run failed", "duration", dur, "error", err)
		return fmt.Errorf("tuning run: %w", err)
	}
	logger.Info("Tuning run complete",
		"direction", rep.Direction,
		"ratio", rep.Health.Ratio,
		"delivered", rep.Health.Delivered,
		"duration", dur)
	return nil
}

// ExpireOffers expires stale offers once and logs the count.
func ExpireOffers(ctx context.Context, o OfferExpirer, logger *slog.Logger) error {
	n, err := o.ExpireOffers(ctx)
	if err != nil {
		logger.Warn("Offer expiry failed", "error", err)
		return fmt.Errorf("expire offers: %w", err)
	}
	if n > 0 {
		logger.Info("Expired second-touch offers", "count", n)
	}
	return nil
}
