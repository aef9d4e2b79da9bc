// Package app assembles the runtime graph shared by hushd and hushctl from a
// loaded config: storage, KV, events, and every engine on top of them.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/albapepper/hush/internal/api/handler"
	"github.com/albapepper/hush/internal/audit"
	"github.com/albapepper/hush/internal/config"
	"github.com/albapepper/hush/internal/db"
	"github.com/albapepper/hush/internal/events"
	"github.com/albapepper/hush/internal/ghost"
	"github.com/albapepper/hush/internal/kv"
	"github.com/albapepper/hush/internal/maintenance"
	"github.com/albapepper/hush/internal/matching"
	"github.com/albapepper/hush/internal/pipeline"
	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/secondtouch"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/store/memory"
	"github.com/albapepper/hush/internal/store/postgres"
	"github.com/albapepper/hush/internal/tuning"
)

// Version is reported by the ops root endpoint.
const Version = "1.0.0"

// App holds every long-lived component.
type App struct {
	Config      *config.Config
	Pool        *db.Pool // nil for the memory store
	Repo        store.Repository
	KV          kv.Store
	Events      *events.Publisher
	Pipeline    *pipeline.Service
	Scheduler   *ghost.Scheduler
	Tuner       *tuning.Loop
	SecondTouch *secondtouch.Engine

	memKV   *kv.MemoryStore
	closers []func() error
	logger  *slog.Logger
}

// Build connects storage and wires the engines.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	switch cfg.Store {
	case config.StoreMemory:
		a.Repo = memory.New(cfg.Policy)
		logger.Warn("Using in-memory repository; state is lost on exit")
	default:
		logger.Info("Connecting to database...")
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Repo = postgres.New(pool, cfg.Policy)
		logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
	}

	if cfg.RedisAddr != "" {
		rs, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect kv: %w", err)
		}
		a.KV = rs
		a.closers = append(a.closers, rs.Close)
		logger.Info("Redis connected", "addr", cfg.RedisAddr)
	} else {
		a.memKV = kv.NewMemoryStore()
		a.KV = a.memKV
		logger.Warn("Using in-process KV store; cooldowns are not shared across processes")
	}

	sinks := []events.Sink{}
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := events.NewKafkaSink(cfg.Kafka)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, ks)
		a.closers = append(a.closers, ks.Close)
		logger.Info("Kafka event sink enabled", "topic", cfg.Kafka.Topic, "brokers", len(cfg.Kafka.Brokers))
	}
	if cfg.Debug || len(sinks) == 0 {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	a.Events = events.NewPublisher(logger, sinks...)

	classifier := safety.NewClassifier()
	recorder := audit.New(a.Repo, []byte(cfg.ActorHashSecret), logger)
	a.SecondTouch = secondtouch.NewEngine(a.Repo, classifier, recorder, cfg.SecondTouch, logger)
	a.Scheduler = ghost.New(a.Repo, cfg.Ghost, logger)
	a.Tuner = tuning.New(a.Repo, cfg.Tuning, logger)
	a.Pipeline = pipeline.New(pipeline.Deps{
		Repo:        a.Repo,
		Matcher:     matching.NewEngine(a.Repo, a.KV, cfg.Matching, logger),
		SecondTouch: a.SecondTouch,
		Classifier:  classifier,
		Throttle:    safety.NewLeakThrottle(a.KV, cfg.Throttle, logger),
		Limiter:     safety.NewRateLimiter(a.KV, cfg.SubmitLimit, logger),
		Audit:       recorder,
		Events:      a.Events,
	}, cfg.Pipeline, logger)

	return a, nil
}

// Handler builds the ops handler over this app's dependencies.
func (a *App) Handler() *handler.Handler {
	return handler.New(a.Repo, a.KV, a.Repo, a.Config.Tuning.WindowDays, Version)
}

// MaintenanceTasks returns the hooks the maintenance tickers drive.
func (a *App) MaintenanceTasks() maintenance.Tasks {
	t := maintenance.Tasks{
		Tuner:  a.Tuner,
		Offers: a.SecondTouch,
		Wake:   a.Scheduler.Wake,
	}
	if a.memKV != nil {
		t.Evict = a.memKV.Evict
	}
	return t
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}
