// Package maintenance runs periodic background tasks as Go tickers. The
// tuning loop and offer expiry are triggered from here rather than from a
// database scheduler, since the daemon is already long-running.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	TuningInterval      time.Duration // Health tuning loop
	OfferExpiryInterval time.Duration // Expire unused second-touch offers
	CatchUpInterval     time.Duration // Wake the scheduler in case a NOTIFY was missed
	EvictInterval       time.Duration // Drop expired KV keys and idle rate-limit buckets
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		TuningInterval:      1 * time.Hour,
		OfferExpiryInterval: 15 * time.Minute,
		CatchUpInterval:     5 * time.Minute,
		EvictInterval:       1 * time.Minute,
	}
}

// Tasks are the hooks the tickers drive. Nil hooks are skipped.
type Tasks struct {
	Tuner  Tuner
	Offers OfferExpirer
	Wake   func()
	Evict  func() int
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled and every ticker goroutine has returned.
func Start(ctx context.Context, tasks Tasks, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"tuning", cfg.TuningInterval,
		"offer_expiry", cfg.OfferExpiryInterval,
		"catchup", cfg.CatchUpInterval,
		"evict", cfg.EvictInterval)

	var wg sync.WaitGroup
	schedule := func(every time.Duration, name string, fn func()) {
		if every <= 0 || fn == nil {
			return
		}
		t := time.NewTicker(every)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.Stop()
			runLoop(ctx, t.C, name, fn)
		}()
	}

	if tasks.Tuner != nil {
		schedule(cfg.TuningInterval, "tuning", func() { _ = RunTuning(ctx, tasks.Tuner, logger) })
	}
	if tasks.Offers != nil {
		schedule(cfg.OfferExpiryInterval, "offer_expiry", func() { _ = ExpireOffers(ctx, tasks.Offers, logger) })
	}
	schedule(cfg.CatchUpInterval, "catchup", tasks.Wake)
	if tasks.Evict != nil {
		schedule(cfg.EvictInterval, "evict", func() {
			if n := tasks.Evict(); n > 0 {
				logger.Debug("Evicted idle entries", "count", n)
			}
		})
	}

	<-ctx.Done()
	wg.Wait()
	logger.Info("Maintenance tickers stopped")
}

// Chain runs every non-nil evictor and sums what they dropped. It returns
// nil when there is nothing to run.
func Chain(evictors ...func() int) func() int {
	var fns []func() int
	for _, fn := range evictors {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	if len(fns) == 0 {
		return nil
	}
	return func() int {
		total := 0
		for _, fn := range fns {
			total += fn()
		}
		return total
	}
}

func runLoop(ctx context.Context, ch <-chan time.Time, name string, fn func()) {
	for {
		select {
		case <-ch:
			if ctx.Err() != nil {
				return
			}
			fn()
		case <-ctx.Done():
			return
		}
	}
}
