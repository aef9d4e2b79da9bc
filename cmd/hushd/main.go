// Command hushd is the hush daemon. It hosts the ghost delivery scheduler,
// the LISTEN/NOTIFY wake-up listener, the maintenance tickers and the ops
// HTTP server (health and metrics).
//
// Usage:
//
//	hushd
//	OPS_PORT=9100 HUSH_STORE=memory hushd
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/hush/internal/api"
	"github.com/albapepper/hush/internal/app"
	"github.com/albapepper/hush/internal/config"
	"github.com/albapepper/hush/internal/listener"
	"github.com/albapepper/hush/internal/maintenance"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("hushd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("hushd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var limiter *api.ClientLimiter
	if cfg.RateLimitEnabled {
		limiter = api.NewClientLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	tasks := a.MaintenanceTasks()
	if limiter != nil {
		tasks.Evict = maintenance.Chain(tasks.Evict, limiter.Evict)
	}

	srv := &http.Server{
		Addr:         cfg.OpsAddr(),
		Handler:      api.NewRouter(a.Handler(), limiter),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Ghost delivery loop
	g.Go(func() error { return a.Scheduler.Run(gctx) })

	// LISTEN/NOTIFY wake-ups; only meaningful with Postgres
	if a.Pool != nil {
		g.Go(func() error {
			listener.Start(gctx, cfg.DatabaseURL, a.Scheduler.Wake, logger)
			return nil
		})
	}

	// Maintenance tickers (tuning, offer expiry, catch-up, eviction)
	g.Go(func() error {
		maintenance.Start(gctx, tasks, cfg.Maintenance, logger)
		return nil
	})

	// Ops server
	g.Go(func() error {
		logger.Info("Starting ops server",
			"addr", srv.Addr,
			"environment", cfg.Environment,
			"store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
