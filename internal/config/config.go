// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/hushd and cmd/hushctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/hush/internal/events"
	"github.com/albapepper/hush/internal/ghost"
	"github.com/albapepper/hush/internal/maintenance"
	"github.com/albapepper/hush/internal/matching"
	"github.com/albapepper/hush/internal/pipeline"
	"github.com/albapepper/hush/internal/quiet"
	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/secondtouch"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/tuning"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// devActorSecret is only accepted outside production.
const devActorSecret = "hush-development-secret"

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	Store          string // postgres or memory
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// KV store; empty RedisAddr selects the in-process store
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Events; no brokers means log-only emission
	Kafka events.KafkaConfig

	// Ops server
	OpsHost     string
	OpsPort     int
	Environment string // development, staging, production
	Debug       bool

	// Ops rate limiting (per client IP)
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// HMAC key for security-event actor hashes
	ActorHashSecret string

	Policy      store.Policy
	Matching    matching.Config
	Ghost       ghost.Config
	SecondTouch secondtouch.Config
	Tuning      tuning.Config
	Throttle    safety.ThrottleConfig
	SubmitLimit safety.RateLimitConfig
	Pipeline    pipeline.Config
	Maintenance maintenance.Config
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Store:          strings.ToLower(envOr("HUSH_STORE", StorePostgres)),
		DatabaseURL:    envOr("HUSH_DATABASE_URL", envOr("DATABASE_URL", "")),
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		RedisAddr:      envOr("REDIS_ADDR", ""),
		RedisPassword:  envOr("REDIS_PASSWORD", ""),
		RedisDB:        envInt("REDIS_DB", 0),
		RedisKeyPrefix: envOr("REDIS_KEY_PREFIX", "hush:"),

		OpsHost:     envOr("OPS_HOST", "0.0.0.0"),
		OpsPort:     envInt("OPS_PORT", envInt("PORT", 9090)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		ActorHashSecret: envOr("HUSH_ACTOR_SECRET", ""),
	}

	kafka := events.DefaultKafkaConfig()
	kafka.Brokers = envList("KAFKA_BROKERS", nil)
	kafka.Topic = envOr("KAFKA_TOPIC", kafka.Topic)
	kafka.BatchTimeout = envDuration("KAFKA_BATCH_TIMEOUT", kafka.BatchTimeout)
	kafka.Async = envBool("KAFKA_ASYNC", true)
	cfg.Kafka = kafka

	policy := store.DefaultPolicy()
	policy.CrisisWindow = envDuration("HUSH_CRISIS_WINDOW", policy.CrisisWindow)
	policy.CandidateActiveDays = envInt("HUSH_CANDIDATE_ACTIVE_DAYS", policy.CandidateActiveDays)
	policy.AffinityDecay = envFloat("HUSH_AFFINITY_DECAY", policy.AffinityDecay)
	policy.AffinityMax = envFloat("HUSH_AFFINITY_MAX", policy.AffinityMax)
	cfg.Policy = policy

	m := matching.DefaultConfig()
	m.MinPoolK = envInt("HUSH_MIN_POOL_K", m.MinPoolK)
	m.SampleLimit = envInt("HUSH_SAMPLE_LIMIT", m.SampleLimit)
	m.Cooldown = envDuration("HUSH_PAIR_COOLDOWN", m.Cooldown)
	m.AffinityMaxBias = envFloat("HUSH_AFFINITY_MAX_BIAS", m.AffinityMaxBias)
	m.AffinityScale = envFloat("HUSH_AFFINITY_SCALE", m.AffinityScale)
	cfg.Matching = m

	ghostDelay := envDuration("HUSH_GHOST_DELAY", pipeline.DefaultConfig().GhostDelay)
	cfg.Pipeline = pipeline.Config{GhostDelay: ghostDelay}

	g := ghost.DefaultConfig()
	g.PollInterval = envDuration("HUSH_GHOST_POLL_INTERVAL", g.PollInterval)
	g.BatchSize = envInt("HUSH_GHOST_BATCH_SIZE", g.BatchSize)
	g.DefaultTZOffset = envInt("HUSH_DEFAULT_TZ_OFFSET_MINUTES", g.DefaultTZOffset)
	g.Silent = quiet.Hours{
		Start: envInt("HUSH_QUIET_START_HOUR", g.Silent.Start),
		End:   envInt("HUSH_QUIET_END_HOUR", g.Silent.End),
	}
	cfg.Ghost = g

	st := secondtouch.DefaultConfig()
	st.RecentMoodWindow = envDuration("HUSH_ST_RECENT_MOOD_WINDOW", st.RecentMoodWindow)
	st.MinAcksShort = envInt("HUSH_ST_MIN_ACKS_SHORT", st.MinAcksShort)
	st.ShortWindow = envDuration("HUSH_ST_SHORT_WINDOW", st.ShortWindow)
	st.MinAcksLong = envInt("HUSH_ST_MIN_ACKS_LONG", st.MinAcksLong)
	st.LongWindow = envDuration("HUSH_ST_LONG_WINDOW", st.LongWindow)
	st.MonthlyCap = envInt("HUSH_ST_MONTHLY_CAP", st.MonthlyCap)
	st.OfferTTL = envDuration("HUSH_ST_OFFER_TTL", st.OfferTTL)
	st.PairCooldown = envDuration("HUSH_ST_PAIR_COOLDOWN", st.PairCooldown)
	st.GhostDelay = ghostDelay
	cfg.SecondTouch = st

	tu := tuning.DefaultConfig()
	tu.WindowDays = envInt("HUSH_TUNING_WINDOW_DAYS", tu.WindowDays)
	tu.MinSample = int64(envInt("HUSH_TUNING_MIN_SAMPLE", int(tu.MinSample)))
	tu.Low = envFloat("HUSH_TUNING_LOW", tu.Low)
	tu.High = envFloat("HUSH_TUNING_HIGH", tu.High)
	cfg.Tuning = tu

	th := safety.DefaultThrottleConfig()
	th.HardLimit = int64(envInt("HUSH_LEAK_HARD_LIMIT", int(th.HardLimit)))
	th.HardWindow = envDuration("HUSH_LEAK_HARD_WINDOW", th.HardWindow)
	th.ShadowThreshold = int64(envInt("HUSH_LEAK_SHADOW_THRESHOLD", int(th.ShadowThreshold)))
	th.ShadowWindow = envDuration("HUSH_LEAK_SHADOW_WINDOW", th.ShadowWindow)
	cfg.Throttle = th

	rl := safety.DefaultRateLimitConfig()
	rl.Requests = int64(envInt("HUSH_SUBMIT_LIMIT", int(rl.Requests)))
	rl.Window = envDuration("HUSH_SUBMIT_WINDOW", rl.Window)
	cfg.SubmitLimit = rl

	mt := maintenance.DefaultConfig()
	mt.TuningInterval = envDuration("HUSH_TUNING_INTERVAL", mt.TuningInterval)
	mt.OfferExpiryInterval = envDuration("HUSH_OFFER_EXPIRY_INTERVAL", mt.OfferExpiryInterval)
	mt.CatchUpInterval = envDuration("HUSH_CATCHUP_INTERVAL", mt.CatchUpInterval)
	mt.EvictInterval = envDuration("HUSH_EVICT_INTERVAL", mt.EvictInterval)
	cfg.Maintenance = mt

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("HUSH_DATABASE_URL or DATABASE_URL must be set when HUSH_STORE=postgres")
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("HUSH_STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown HUSH_STORE %q", c.Store)
	}
	if c.ActorHashSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("HUSH_ACTOR_SECRET must be set in production")
		}
		c.ActorHashSecret = devActorSecret
	}
	if c.IsProduction() && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR must be set in production")
	}
	if !c.Ghost.Silent.Valid() {
		return fmt.Errorf("quiet hours must be within 0-23, got %d-%d", c.Ghost.Silent.Start, c.Ghost.Silent.End)
	}
	if c.Tuning.Low >= c.Tuning.High {
		return fmt.Errorf("HUSH_TUNING_LOW (%.2f) must be below HUSH_TUNING_HIGH (%.2f)", c.Tuning.Low, c.Tuning.High)
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// OpsAddr is the listen address for the ops server.
func (c *Config) OpsAddr() string {
	return fmt.Sprintf("%s:%d", c.OpsHost, c.OpsPort)
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
