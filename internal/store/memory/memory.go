// Package memory is an in-process store.Repository. A single mutex
// serializes every operation, which gives the same at-most-once claim
// guarantee the Postgres implementation gets from SKIP LOCKED.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/hush/internal/detrand"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/quiet"
	"github.com/albapepper/hush/internal/store"
)

type principalRow struct {
	store.Principal
	tz *int
}

type affinityRow struct {
	score     float64
	updatedAt time.Time
}

type pairRow struct {
	acks          []time.Time
	disabledUntil time.Time
	permanent     bool
}

// Repository implements store.Repository in memory.
type Repository struct {
	mu     sync.Mutex
	policy store.Policy

	moods      []store.Mood
	messages   map[string]*store.Message
	inbox      map[string]*store.InboxItem
	intents    map[string]string // intent key -> message id
	principals map[string]*principalRow
	crisis     map[string]time.Time
	affinity   map[string]map[string]affinityRow
	tuning     store.Tuning
	security   []store.SecurityEvent
	offers     map[string]*store.Offer
	pairs      map[[2]string]*pairRow
}

var _ store.Repository = (*Repository)(nil)

// New creates an empty Repository seeded with store.DefaultTuning.
func New(policy store.Policy) *Repository {
	return &Repository{
		policy:     policy,
		messages:   make(map[string]*store.Message),
		inbox:      make(map[string]*store.InboxItem),
		intents:    make(map[string]string),
		principals: make(map[string]*principalRow),
		crisis:     make(map[string]time.Time),
		affinity:   make(map[string]map[string]affinityRow),
		tuning:     store.DefaultTuning(),
		offers:     make(map[string]*store.Offer),
		pairs:      make(map[[2]string]*pairRow),
	}
}

func (r *Repository) Ping(context.Context) error { return nil }

// --------------------------------------------------------------------------
// Moods & messages
// --------------------------------------------------------------------------

func (r *Repository) SaveMood(_ context.Context, m store.Mood) error {
	if m.RiskLevel >= 2 {
		return store.ErrCrisisContent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Themes = clone(m.Themes)
	r.moods = append(r.moods, m)
	return nil
}

func (r *Repository) LastPositiveMood(_ context.Context, principal string) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last time.Time
	found := false
	for _, m := range r.moods {
		if m.PrincipalID == principal && m.Valence == store.ValencePositive && m.CreatedAt.After(last) {
			last, found = m.CreatedAt, true
		}
	}
	return last, found, nil
}

func (r *Repository) SaveMessage(_ context.Context, m store.Message) error {
	if m.RiskLevel >= 2 {
		return store.ErrCrisisContent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = store.StatusPending
	}
	m.Themes = clone(m.Themes)
	r.messages[m.ID] = &m
	return nil
}

func (r *Repository) CreateInboxItem(_ context.Context, item store.InboxItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createInboxLocked(item)
	return nil
}

func (r *Repository) createInboxLocked(item store.InboxItem) store.InboxItem {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	r.inbox[item.ID] = &item
	return item
}

func (r *Repository) Acknowledge(_ context.Context, itemID, recipient string, reaction store.Reaction, at time.Time) (store.AckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.inbox[itemID]
	if !ok || item.RecipientID != recipient {
		return store.AckResult{}, outcome.ErrNotFound
	}
	msg := r.messages[item.MessageID]
	res := store.AckResult{Status: store.AckAlreadyRecorded, Reaction: item.Reaction}
	if msg != nil {
		res.SenderID = msg.SenderID
		res.Themes = clone(msg.Themes)
	}
	if item.Reacted() {
		return res, nil
	}
	item.Reaction = reaction
	t := at
	item.ReactedAt = &t
	res.Status = store.AckRecorded
	res.Reaction = reaction
	return res, nil
}

// --------------------------------------------------------------------------
// Principals & crisis
// --------------------------------------------------------------------------

func (r *Repository) UpsertEligiblePrincipal(_ context.Context, p store.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.principals[p.ID]
	if !ok {
		row = &principalRow{}
		r.principals[p.ID] = row
	}
	tz := row.tz
	if p.TZOffsetMinutes != nil {
		v := *p.TZOffsetMinutes
		tz = &v
	}
	p.Themes = clone(p.Themes)
	row.Principal = p
	row.tz = tz
	return nil
}

func (r *Repository) GetEligibleCandidates(_ context.Context, q store.CandidateQuery) ([]store.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	activeSince := store.HealthSince(q.Now, r.policy.CandidateActiveDays)
	var ids []string
	for id, row := range r.principals {
		if id == q.SenderID || r.inCrisisLocked(id, q.Now) {
			continue
		}
		if row.LastActiveDay.Before(activeSince) {
			continue
		}
		ids = append(ids, id)
	}
	ids = detrand.Order(ids, q.Seed)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	out := make([]store.Candidate, 0, len(ids))
	for _, id := range ids {
		row := r.principals[id]
		out = append(out, store.Candidate{
			ID:            id,
			Intensity:     row.Intensity,
			Themes:        clone(row.Themes),
			LastActiveDay: row.LastActiveDay,
		})
	}
	return out, nil
}

func (r *Repository) RecordCrisisAction(_ context.Context, principal string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.crisis[principal]; !ok || at.After(prev) {
		r.crisis[principal] = at
	}
	return nil
}

func (r *Repository) IsInCrisisWindow(_ context.Context, principal string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inCrisisLocked(principal, now), nil
}

func (r *Repository) inCrisisLocked(principal string, now time.Time) bool {
	at, ok := r.crisis[principal]
	return ok && now.Sub(at) < r.policy.CrisisWindow
}

// --------------------------------------------------------------------------
// Affinity, tuning, health
// --------------------------------------------------------------------------

func (r *Repository) RecordAffinity(_ context.Context, sender string, themes []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.affinity[sender]
	if !ok {
		m = make(map[string]affinityRow)
		r.affinity[sender] = m
	}
	for _, th := range themes {
		row := m[th]
		score := store.Decay(row.score, r.policy.AffinityDecay, row.updatedAt, at) + 1
		if score > r.policy.AffinityMax {
			score = r.policy.AffinityMax
		}
		m[th] = affinityRow{score: score, updatedAt: at}
	}
	return nil
}

func (r *Repository) GetAffinityMap(_ context.Context, sender string, now time.Time) (map[string]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.affinity[sender]))
	for th, row := range r.affinity[sender] {
		out[th] = store.Decay(row.score, r.policy.AffinityDecay, row.updatedAt, now)
	}
	return out, nil
}

func (r *Repository) GetMatchingTuning(context.Context) (store.Tuning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tuning, nil
}

func (r *Repository) UpdateMatchingTuning(_ context.Context, t store.Tuning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tuning = t
	return nil
}

func (r *Repository) GetGlobalMatchingHealth(_ context.Context, now time.Time, windowDays int) (store.Health, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := store.HealthSince(now, windowDays)
	var delivered, positive int64
	for _, item := range r.inbox {
		if item.DeliveredOn.Before(since) {
			continue
		}
		delivered++
		if item.Reaction.Positive() {
			positive++
		}
	}
	return store.NewHealth(delivered, positive), nil
}

func (r *Repository) RecordSecurityEvent(_ context.Context, e store.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.security = append(r.security, e)
	return nil
}

// --------------------------------------------------------------------------
// Second touch
// --------------------------------------------------------------------------

func (r *Repository) CreateOffer(_ context.Context, o store.Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	r.offers[o.ID] = &o
	return nil
}

func (r *Repository) GetOffer(_ context.Context, id string) (store.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return store.Offer{}, outcome.ErrNotFound
	}
	return *o, nil
}

func (r *Repository) ConsumeOffer(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return false, outcome.ErrNotFound
	}
	if o.Used() || o.Expired || !at.Before(o.ExpiresAt) {
		return false, nil
	}
	t := at
	o.UsedAt = &t
	return true, nil
}

func (r *Repository) ReleaseOffer(_ context.Context, id string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return outcome.ErrNotFound
	}
	if o.UsedAt != nil && o.UsedAt.Equal(usedAt) {
		o.UsedAt = nil
	}
	return nil
}

func (r *Repository) CountOffersSince(_ context.Context, from string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.offers {
		if o.FromID == from && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *Repository) ExpireOffers(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.offers {
		if !o.Used() && !o.Expired && !now.Before(o.ExpiresAt) {
			o.Expired = true
			n++
		}
	}
	return n, nil
}

func (r *Repository) GetPair(_ context.Context, a, b string, shortSince, longSince time.Time) (store.Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, b = store.PairKey(a, b)
	p := store.Pair{A: a, B: b}
	row, ok := r.pairs[[2]string{a, b}]
	if !ok {
		return p, nil
	}
	for _, t := range row.acks {
		if !t.Before(shortSince) {
			p.AcksShort++
		}
		if !t.Before(longSince) {
			p.AcksLong++
		}
	}
	p.DisabledUntil = row.disabledUntil
	p.Permanent = row.permanent
	return p, nil
}

func (r *Repository) RecordPairAck(_ context.Context, a, b string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.pairLocked(a, b)
	row.acks = append(row.acks, at)
	return nil
}

func (r *Repository) DisablePair(_ context.Context, a, b string, until time.Time, permanent bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.pairLocked(a, b)
	if permanent {
		row.permanent = true
	}
	if until.After(row.disabledUntil) {
		row.disabledUntil = until
	}
	return nil
}

func (r *Repository) pairLocked(a, b string) *pairRow {
	a, b = store.PairKey(a, b)
	key := [2]string{a, b}
	row, ok := r.pairs[key]
	if !ok {
		row = &pairRow{}
		r.pairs[key] = row
	}
	return row
}

// --------------------------------------------------------------------------
// Ghost delivery
// --------------------------------------------------------------------------

func (r *Repository) DeliverPendingMessages(_ context.Context, run store.DeliveryRun) (store.DeliveryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*store.Message
	for _, m := range r.messages {
		if m.Status == store.StatusPending && !m.DeliverAt.After(run.Now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DeliverAt.Equal(due[j].DeliverAt) {
			return due[i].DeliverAt.Before(due[j].DeliverAt)
		}
		return due[i].ID < due[j].ID
	})
	if run.BatchSize > 0 && len(due) > run.BatchSize {
		due = due[:run.BatchSize]
	}

	var res store.DeliveryResult
	res.Claimed = len(due)
	for _, m := range due {
		offset := run.DefaultTZOffset
		if row, ok := r.principals[m.RecipientID]; ok && row.tz != nil {
			offset = *row.tz
		}
		if until, ok := run.Silent.Plan(run.Now, offset); !ok {
			m.DeliverAt = until
			res.Deferred++
			continue
		}

		key := store.IntentKey(m.ID)
		if _, exists := r.intents[key]; !exists {
			r.intents[key] = m.ID
			r.createInboxLocked(store.InboxItem{
				RecipientID: m.RecipientID,
				MessageID:   m.ID,
				DeliveredOn: quiet.Day(run.Now, offset),
			})
			res.Delivered++
		}
		m.Status = store.StatusDelivered
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Inspection helpers for tests
// --------------------------------------------------------------------------

// Message returns a copy of a stored message.
func (r *Repository) Message(id string) (store.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return store.Message{}, false
	}
	return *m, true
}

// Messages returns copies of every stored message.
func (r *Repository) Messages() []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Message, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, *m)
	}
	return out
}

// Moods returns copies of every stored mood.
func (r *Repository) Moods() []store.Mood {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Mood(nil), r.moods...)
}

// Inbox returns the items owned by recipient.
func (r *Repository) Inbox(recipient string) []store.InboxItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.InboxItem
	for _, item := range r.inbox {
		if item.RecipientID == recipient {
			out = append(out, *item)
		}
	}
	return out
}

// IntentCount returns the number of NotificationIntents.
func (r *Repository) IntentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}

// SecurityEvents returns a copy of the recorded security events.
func (r *Repository) SecurityEvents() []store.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.SecurityEvent(nil), r.security...)
}

// SetTZOffset stores a recipient's UTC offset in minutes.
func (r *Repository) SetTZOffset(principal string, minutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.principals[principal]
	if !ok {
		row = &principalRow{Principal: store.Principal{ID: principal}}
		r.principals[principal] = row
	}
	row.tz = &minutes
}

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
