// Package db provides a pgxpool-based connection pool with prepared statement
// registration, health checking and the embedded schema.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/hush/internal/config"
)

// Schema is the idempotent DDL for every table the repository touches.
//
//go:embed schema.sql
var Schema string

// NotifyChannel is the pg_notify channel fired on message insert.
const NotifyChannel = "message_queued"

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	return Open(ctx, cfg.DatabaseURL, func(pc *pgxpool.Config) {
		pc.MinConns = int32(cfg.DBPoolMinConns)
		pc.MaxConns = int32(cfg.DBPoolMaxConns)
		pc.MaxConnLifetime = cfg.DBPoolMaxLife
	})
}

// Open connects to url, applying tweak to the parsed pool config before the
// pool is built. Tests use it directly with a nil tweak.
func Open(ctx context.Context, url string, tweak func(*pgxpool.Config)) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	if tweak != nil {
		tweak(poolCfg)
	}

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// ApplySchemaURL executes Schema on a dedicated connection. Statements
// registered in AfterConnect are prepared against existing tables, so a
// fresh database needs this before the pool is opened.
func ApplySchemaURL(ctx context.Context, url string) error {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// registerPreparedStatements registers every statement the repository and
// the ops surface use.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Moods
		"save_mood": `INSERT INTO moods (id, principal_id, valence, intensity, themes, risk_level, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		"last_positive_mood": "SELECT max(created_at) FROM moods WHERE principal_id = $1 AND valence = 'positive'",

		// Messages & inbox
		"save_message": `INSERT INTO messages (id, sender_id, recipient_id, kind, valence, intensity, themes,
			risk_level, body, identity_leak, reid_risk, status, deliver_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		"create_inbox_item": `INSERT INTO inbox_items (id, recipient_id, message_id, delivered_on)
			VALUES ($1, $2, $3, $4) ON CONFLICT (message_id) DO NOTHING`,
		"inbox_item_lookup": `SELECT i.reaction, m.sender_id, m.themes
			FROM inbox_items i JOIN messages m ON m.id = i.message_id
			WHERE i.id = $1 AND i.recipient_id = $2`,
		"ack_inbox_item": `UPDATE inbox_items SET reaction = $3, reacted_at = $4
			WHERE id = $1 AND recipient_id = $2 AND reaction IS NULL`,

		// Principals & crisis
		"upsert_principal": `INSERT INTO principals (id, intensity, themes, last_active_day, tz_offset_minutes)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				intensity = EXCLUDED.intensity,
				themes = EXCLUDED.themes,
				last_active_day = EXCLUDED.last_active_day,
				tz_offset_minutes = COALESCE(EXCLUDED.tz_offset_minutes, principals.tz_offset_minutes)`,
		"eligible_candidates": `SELECT p.id, p.intensity, p.themes, p.last_active_day
			FROM principals p
			LEFT JOIN crisis_state c ON c.principal_id = p.id
			WHERE p.id <> $1
			  AND p.last_active_day >= $2
			  AND (c.last_action IS NULL OR c.last_action <= $3)
			ORDER BY substring(sha256(convert_to(p.id || '|' || $5::text, 'UTF8')) FROM 1 FOR 8), p.id COLLATE "C"
			LIMIT $4`,
		"record_crisis": `INSERT INTO crisis_state (principal_id, last_action) VALUES ($1, $2)
			ON CONFLICT (principal_id) DO UPDATE SET
				last_action = GREATEST(crisis_state.last_action, EXCLUDED.last_action)`,
		"crisis_last_action": "SELECT last_action FROM crisis_state WHERE principal_id = $1",

		// Affinity: decay and cap applied atomically on write
		"record_affinity": `INSERT INTO affinity_scores (sender_id, theme, score, updated_at)
			VALUES ($1, $2, LEAST($5::float8, 1), $3)
			ON CONFLICT (sender_id, theme) DO UPDATE SET
				score = LEAST($5::float8, affinity_scores.score * power($4::float8,
					GREATEST(0, extract(epoch FROM ($3::timestamptz - affinity_scores.updated_at)) / 86400)::float8) + 1),
				updated_at = GREATEST(affinity_scores.updated_at, $3::timestamptz)`,
		"affinity_map": "SELECT theme, score, updated_at FROM affinity_scores WHERE sender_id = $1",

		// Tuning & health
		"get_tuning": `SELECT intensity_band, low_pool_multiplier, high_pool_multiplier, allow_theme_relax, updated_at
			FROM matching_tuning WHERE id = 1`,
		"update_tuning": `UPDATE matching_tuning SET
				intensity_band = $1, low_pool_multiplier = $2, high_pool_multiplier = $3,
				allow_theme_relax = $4, updated_at = $5
			WHERE id = 1`,
		"matching_health": `SELECT count(*),
				count(*) FILTER (WHERE reaction IN ('thanks', 'felt_this', 'hug'))
			FROM inbox_items WHERE delivered_on >= $1`,

		// Security
		"record_security_event": `INSERT INTO security_events (actor_hash, kind, categories, created_at)
			VALUES ($1, $2, $3, $4)`,

		// Second touch
		"create_offer": `INSERT INTO second_touch_offers (id, from_id, to_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)`,
		"get_offer": `SELECT id, from_id, to_id, created_at, expires_at, used_at, expired
			FROM second_touch_offers WHERE id = $1`,
		"consume_offer": `UPDATE second_touch_offers SET used_at = $2
			WHERE id = $1 AND used_at IS NULL AND NOT expired AND expires_at > $2`,
		"release_offer":      "UPDATE second_touch_offers SET used_at = NULL WHERE id = $1 AND used_at = $2",
		"count_offers_since": "SELECT count(*) FROM second_touch_offers WHERE from_id = $1 AND created_at >= $2",
		"expire_offers": `UPDATE second_touch_offers SET expired = true
			WHERE used_at IS NULL AND NOT expired AND expires_at <= $1`,
		"pair_acks": `SELECT count(*) FILTER (WHERE at >= $3), count(*) FILTER (WHERE at >= $4)
			FROM second_touch_acks WHERE pair_a = $1 AND pair_b = $2`,
		"pair_state":      "SELECT disabled_until, permanent FROM second_touch_pairs WHERE pair_a = $1 AND pair_b = $2",
		"record_pair_ack": "INSERT INTO second_touch_acks (pair_a, pair_b, at) VALUES ($1, $2, $3)",
		"disable_pair": `INSERT INTO second_touch_pairs (pair_a, pair_b, disabled_until, permanent)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pair_a, pair_b) DO UPDATE SET
				disabled_until = GREATEST(second_touch_pairs.disabled_until, EXCLUDED.disabled_until),
				permanent = second_touch_pairs.permanent OR EXCLUDED.permanent`,

		// Ghost delivery
		"claim_due_messages": `SELECT m.id, m.recipient_id, p.tz_offset_minutes
			FROM messages m
			LEFT JOIN principals p ON p.id = m.recipient_id
			WHERE m.status = 'pending' AND m.deliver_at <= $1
			ORDER BY m.deliver_at, m.id
			LIMIT $2
			FOR UPDATE OF m SKIP LOCKED`,
		"defer_message":  "UPDATE messages SET deliver_at = $2 WHERE id = $1",
		"insert_intent":  "INSERT INTO notification_intents (key, message_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		"mark_delivered": "UPDATE messages SET status = 'delivered' WHERE id = $1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
