// Package postgres implements store.Repository on pgx using the named
// statements registered by internal/db.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/albapepper/hush/internal/db"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/quiet"
	"github.com/albapepper/hush/internal/store"
)

// Repository is the production store.Repository.
type Repository struct {
	pool   *db.Pool
	policy store.Policy
}

var _ store.Repository = (*Repository)(nil)

// New wraps an open pool.
func New(pool *db.Pool, policy store.Policy) *Repository {
	return &Repository{pool: pool, policy: policy}
}

func (r *Repository) Ping(ctx context.Context) error {
	return outcome.Repo("ping", r.pool.HealthCheck(ctx))
}

// --------------------------------------------------------------------------
// Moods & messages
// --------------------------------------------------------------------------

func (r *Repository) SaveMood(ctx context.Context, m store.Mood) error {
	if m.RiskLevel >= 2 {
		return store.ErrCrisisContent
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, "save_mood",
		m.ID, m.PrincipalID, string(m.Valence), string(m.Intensity), nonNil(m.Themes), m.RiskLevel, m.CreatedAt)
	return outcome.Repo("save mood", err)
}

func (r *Repository) LastPositiveMood(ctx context.Context, principal string) (time.Time, bool, error) {
	var at *time.Time
	if err := r.pool.QueryRow(ctx, "last_positive_mood", principal).Scan(&at); err != nil {
		return time.Time{}, false, outcome.Repo("last positive mood", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (r *Repository) SaveMessage(ctx context.Context, m store.Message) error {
	if m.RiskLevel >= 2 {
		return store.ErrCrisisContent
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = store.StatusPending
	}
	if m.Kind == "" {
		m.Kind = store.KindPeer
	}
	_, err := r.pool.Exec(ctx, "save_message",
		m.ID, m.SenderID, m.RecipientID, string(m.Kind), string(m.Valence), string(m.Intensity),
		nonNil(m.Themes), m.RiskLevel, m.Text, m.IdentityLeak, m.ReidRisk, string(m.Status),
		m.DeliverAt, m.CreatedAt)
	return outcome.Repo("save message", err)
}

func (r *Repository) CreateInboxItem(ctx context.Context, item store.InboxItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, "create_inbox_item", item.ID, item.RecipientID, item.MessageID, item.DeliveredOn)
	return outcome.Repo("create inbox item", err)
}

func (r *Repository) Acknowledge(ctx context.Context, itemID, recipient string, reaction store.Reaction, at time.Time) (store.AckResult, error) {
	if _, err := uuid.Parse(itemID); err != nil {
		return store.AckResult{}, outcome.ErrNotFound
	}
	res, existing, err := r.lookupInboxItem(ctx, itemID, recipient)
	if err != nil {
		return store.AckResult{}, err
	}
	if existing != "" {
		res.Status, res.Reaction = store.AckAlreadyRecorded, existing
		return res, nil
	}

	tag, err := r.pool.Exec(ctx, "ack_inbox_item", itemID, recipient, string(reaction), at)
	if err != nil {
		return store.AckResult{}, outcome.Repo("acknowledge", err)
	}
	if tag.RowsAffected() == 1 {
		res.Status, res.Reaction = store.AckRecorded, reaction
		return res, nil
	}

	// A concurrent acknowledgement won; report what it recorded.
	res, existing, err = r.lookupInboxItem(ctx, itemID, recipient)
	if err != nil {
		return store.AckResult{}, err
	}
	res.Status, res.Reaction = store.AckAlreadyRecorded, existing
	return res, nil
}

func (r *Repository) lookupInboxItem(ctx context.Context, itemID, recipient string) (store.AckResult, store.Reaction, error) {
	var (
		reaction *string
		res      store.AckResult
	)
	err := r.pool.QueryRow(ctx, "inbox_item_lookup", itemID, recipient).Scan(&reaction, &res.SenderID, &res.Themes)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, "", outcome.ErrNotFound
	}
	if err != nil {
		return res, "", outcome.Repo("lookup inbox item", err)
	}
	if reaction == nil {
		return res, "", nil
	}
	return res, store.Reaction(*reaction), nil
}

// --------------------------------------------------------------------------
// Principals & crisis
// --------------------------------------------------------------------------

func (r *Repository) UpsertEligiblePrincipal(ctx context.Context, p store.Principal) error {
	_, err := r.pool.Exec(ctx, "upsert_principal",
		p.ID, string(p.Intensity), nonNil(p.Themes), p.LastActiveDay, p.TZOffsetMinutes)
	return outcome.Repo("upsert principal", err)
}

func (r *Repository) GetEligibleCandidates(ctx context.Context, q store.CandidateQuery) ([]store.Candidate, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := r.pool.Query(ctx, "eligible_candidates",
		q.SenderID,
		store.HealthSince(q.Now, r.policy.CandidateActiveDays),
		q.Now.Add(-r.policy.CrisisWindow),
		limit,
		q.Seed,
	)
	if err != nil {
		return nil, outcome.Repo("eligible candidates", err)
	}
	defer rows.Close()

	var out []store.Candidate
	for rows.Next() {
		var (
			c         store.Candidate
			intensity string
		)
		if err := rows.Scan(&c.ID, &intensity, &c.Themes, &c.LastActiveDay); err != nil {
			return nil, outcome.Repo("scan candidate", err)
		}
		c.Intensity = store.Intensity(intensity)
		out = append(out, c)
	}
	return out, outcome.Repo("eligible candidates", rows.Err())
}

func (r *Repository) RecordCrisisAction(ctx context.Context, principal string, at time.Time) error {
	_, err := r.pool.Exec(ctx, "record_crisis", principal, at)
	return outcome.Repo("record crisis action", err)
}

func (r *Repository) IsInCrisisWindow(ctx context.Context, principal string, now time.Time) (bool, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, "crisis_last_action", principal).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, outcome.Repo("crisis window", err)
	}
	return now.Sub(at) < r.policy.CrisisWindow, nil
}

// --------------------------------------------------------------------------
// Affinity, tuning, health
// --------------------------------------------------------------------------

func (r *Repository) RecordAffinity(ctx context.Context, sender string, themes []string, at time.Time) error {
	for _, th := range themes {
		_, err := r.pool.Exec(ctx, "record_affinity", sender, th, at, r.policy.AffinityDecay, r.policy.AffinityMax)
		if err != nil {
			return outcome.Repo("record affinity", err)
		}
	}
	return nil
}

func (r *Repository) GetAffinityMap(ctx context.Context, sender string, now time.Time) (map[string]float64, error) {
	rows, err := r.pool.Query(ctx, "affinity_map", sender)
	if err != nil {
		return nil, outcome.Repo("affinity map", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			theme   string
			score   float64
			updated time.Time
		)
		if err := rows.Scan(&theme, &score, &updated); err != nil {
			return nil, outcome.Repo("scan affinity", err)
		}
		out[theme] = store.Decay(score, r.policy.AffinityDecay, updated, now)
	}
	return out, outcome.Repo("affinity map", rows.Err())
}

func (r *Repository) GetMatchingTuning(ctx context.Context) (store.Tuning, error) {
	var t store.Tuning
	err := r.pool.QueryRow(ctx, "get_tuning").Scan(
		&t.IntensityBand, &t.LowPoolMultiplier, &t.HighPoolMultiplier, &t.AllowThemeRelax, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DefaultTuning(), nil
	}
	if err != nil {
		return store.Tuning{}, outcome.Repo("get tuning", err)
	}
	return t, nil
}

func (r *Repository) UpdateMatchingTuning(ctx context.Context, t store.Tuning) error {
	_, err := r.pool.Exec(ctx, "update_tuning",
		t.IntensityBand, t.LowPoolMultiplier, t.HighPoolMultiplier, t.AllowThemeRelax, t.UpdatedAt)
	return outcome.Repo("update tuning", err)
}

func (r *Repository) GetGlobalMatchingHealth(ctx context.Context, now time.Time, windowDays int) (store.Health, error) {
	var delivered, positive int64
	if err := r.pool.QueryRow(ctx, "matching_health", store.HealthSince(now, windowDays)).Scan(&delivered, &positive); err != nil {
		return store.Health{}, outcome.Repo("matching health", err)
	}
	return store.NewHealth(delivered, positive), nil
}

func (r *Repository) RecordSecurityEvent(ctx context.Context, e store.SecurityEvent) error {
	_, err := r.pool.Exec(ctx, "record_security_event", e.ActorHash, e.Kind, e.Categories, e.CreatedAt)
	return outcome.Repo("record security event", err)
}

// --------------------------------------------------------------------------
// Second touch
// --------------------------------------------------------------------------

func (r *Repository) CreateOffer(ctx context.Context, o store.Offer) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, "create_offer", o.ID, o.FromID, o.ToID, o.CreatedAt, o.ExpiresAt)
	return outcome.Repo("create offer", err)
}

func (r *Repository) GetOffer(ctx context.Context, id string) (store.Offer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return store.Offer{}, outcome.ErrNotFound
	}
	var o store.Offer
	err := r.pool.QueryRow(ctx, "get_offer", id).Scan(
		&o.ID, &o.FromID, &o.ToID, &o.CreatedAt, &o.ExpiresAt, &o.UsedAt, &o.Expired)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Offer{}, outcome.ErrNotFound
	}
	if err != nil {
		return store.Offer{}, outcome.Repo("get offer", err)
	}
	return o, nil
}

func (r *Repository) ConsumeOffer(ctx context.Context, id string, at time.Time) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, outcome.ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, "consume_offer", id, at)
	if err != nil {
		return false, outcome.Repo("consume offer", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetOffer(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repository) ReleaseOffer(ctx context.Context, id string, usedAt time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return outcome.ErrNotFound
	}
	if _, err := r.pool.Exec(ctx, "release_offer", id, usedAt); err != nil {
		return outcome.Repo("release offer", err)
	}
	return nil
}

func (r *Repository) CountOffersSince(ctx context.Context, from string, since time.Time) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, "count_offers_since", from, since).Scan(&n); err != nil {
		return 0, outcome.Repo("count offers", err)
	}
	return n, nil
}

func (r *Repository) ExpireOffers(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, "expire_offers", now)
	if err != nil {
		return 0, outcome.Repo("expire offers", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) GetPair(ctx context.Context, a, b string, shortSince, longSince time.Time) (store.Pair, error) {
	a, b = store.PairKey(a, b)
	p := store.Pair{A: a, B: b}
	if err := r.pool.QueryRow(ctx, "pair_acks", a, b, shortSince, longSince).Scan(&p.AcksShort, &p.AcksLong); err != nil {
		return store.Pair{}, outcome.Repo("pair acks", err)
	}

	var until *time.Time
	err := r.pool.QueryRow(ctx, "pair_state", a, b).Scan(&until, &p.Permanent)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return store.Pair{}, outcome.Repo("pair state", err)
	case until != nil:
		p.DisabledUntil = *until
	}
	return p, nil
}

func (r *Repository) RecordPairAck(ctx context.Context, a, b string, at time.Time) error {
	a, b = store.PairKey(a, b)
	_, err := r.pool.Exec(ctx, "record_pair_ack", a, b, at)
	return outcome.Repo("record pair ack", err)
}

func (r *Repository) DisablePair(ctx context.Context, a, b string, until time.Time, permanent bool) error {
	a, b = store.PairKey(a, b)
	var u *time.Time
	if !until.IsZero() {
		u = &until
	}
	_, err := r.pool.Exec(ctx, "disable_pair", a, b, u, permanent)
	return outcome.Repo("disable pair", err)
}

// --------------------------------------------------------------------------
// Ghost delivery
// --------------------------------------------------------------------------

type claimedRow struct {
	ID          string
	RecipientID string
	TZOffset    *int
}

// DeliverPendingMessages claims due messages with FOR UPDATE SKIP LOCKED in
// one transaction, so concurrent schedulers never deliver the same message.
func (r *Repository) DeliverPendingMessages(ctx context.Context, run store.DeliveryRun) (store.DeliveryResult, error) {
	var res store.DeliveryResult

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, outcome.Repo("begin delivery", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, "claim_due_messages", run.Now, run.BatchSize)
	if err != nil {
		return res, outcome.Repo("claim due messages", err)
	}
	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claimedRow, error) {
		var c claimedRow
		err := row.Scan(&c.ID, &c.RecipientID, &c.TZOffset)
		return c, err
	})
	if err != nil {
		return res, outcome.Repo("scan claimed", err)
	}
	res.Claimed = len(claimed)

	for _, c := range claimed {
		offset := run.DefaultTZOffset
		if c.TZOffset != nil {
			offset = *c.TZOffset
		}
		if until, ok := run.Silent.Plan(run.Now, offset); !ok {
			if _, err := tx.Exec(ctx, "defer_message", c.ID, until); err != nil {
				return store.DeliveryResult{}, outcome.Repo("defer message", err)
			}
			res.Deferred++
			continue
		}

		tag, err := tx.Exec(ctx, "insert_intent", store.IntentKey(c.ID), c.ID)
		if err != nil {
			return store.DeliveryResult{}, outcome.Repo("insert intent", err)
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, "create_inbox_item",
				uuid.NewString(), c.RecipientID, c.ID, quiet.Day(run.Now, offset)); err != nil {
				return store.DeliveryResult{}, outcome.Repo("create inbox item", err)
			}
			res.Delivered++
		}
		if _, err := tx.Exec(ctx, "mark_delivered", c.ID); err != nil {
			return store.DeliveryResult{}, outcome.Repo("mark delivered", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.DeliveryResult{}, outcome.Repo("commit delivery", err)
	}
	return res, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
