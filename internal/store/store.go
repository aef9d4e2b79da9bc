// Package store defines the Repository contract the core consumes and the
// records it persists. Implementations live in store/postgres (production)
// and store/memory (tests, local runs).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/albapepper/hush/internal/quiet"
)

// ErrCrisisContent is returned when asked to persist a risk-level-2 payload.
var ErrCrisisContent = errors.New("refusing to persist crisis content")

// Policy holds the retention-independent rules both implementations apply.
type Policy struct {
	CrisisWindow        time.Duration
	CandidateActiveDays int     // principals inactive longer are not sampled
	AffinityDecay       float64 // multiplier per elapsed day, in (0, 1]
	AffinityMax         float64
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() Policy {
	return Policy{
		CrisisWindow:        24 * time.Hour,
		CandidateActiveDays: 14,
		AffinityDecay:       0.9,
		AffinityMax:         10,
	}
}

// MoodStore persists mood signals.
type MoodStore interface {
	SaveMood(ctx context.Context, m Mood) error
	// LastPositiveMood returns the newest positive mood time, ok=false when
	// the principal has none.
	LastPositiveMood(ctx context.Context, principal string) (time.Time, bool, error)
}

// MessageStore persists messages and inbox items.
type MessageStore interface {
	SaveMessage(ctx context.Context, m Message) error
	CreateInboxItem(ctx context.Context, item InboxItem) error
	// Acknowledge records recipient's reaction on an item they own. Only
	// the first call returns AckRecorded.
	Acknowledge(ctx context.Context, itemID, recipient string, reaction Reaction, at time.Time) (AckResult, error)
}

// PrincipalStore tracks who can be matched.
type PrincipalStore interface {
	UpsertEligiblePrincipal(ctx context.Context, p Principal) error
	// GetEligibleCandidates excludes the sender, principals inside their
	// own crisis window, and principals inactive for longer than
	// Policy.CandidateActiveDays. Results are ordered by id.
	GetEligibleCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
}

type CrisisStore interface {
	RecordCrisisAction(ctx context.Context, principal string, at time.Time) error
	IsInCrisisWindow(ctx context.Context, principal string, now time.Time) (bool, error)
}

type AffinityStore interface {
	// RecordAffinity adds one unit (after decay, capped) to each theme.
	RecordAffinity(ctx context.Context, sender string, themes []string, at time.Time) error
	// GetAffinityMap returns decayed scores as of now.
	GetAffinityMap(ctx context.Context, sender string, now time.Time) (map[string]float64, error)
}

// TuningStore holds MatchingTuning and the health aggregate that drives it.
type TuningStore interface {
	GetMatchingTuning(ctx context.Context) (Tuning, error)
	UpdateMatchingTuning(ctx context.Context, t Tuning) error
	GetGlobalMatchingHealth(ctx context.Context, now time.Time, windowDays int) (Health, error)
}

type SecurityStore interface {
	RecordSecurityEvent(ctx context.Context, e SecurityEvent) error
}

type SecondTouchStore interface {
	CreateOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, id string) (Offer, error)
	// ConsumeOffer marks an unused, unexpired offer used. Only the first
	// call returns true.
	ConsumeOffer(ctx context.Context, id string, at time.Time) (bool, error)
	// ReleaseOffer undoes a consume made at usedAt. Offers consumed at any
	// other time are left alone.
	ReleaseOffer(ctx context.Context, id string, usedAt time.Time) error
	CountOffersSince(ctx context.Context, from string, since time.Time) (int, error)
	ExpireOffers(ctx context.Context, now time.Time) (int, error)
	GetPair(ctx context.Context, a, b string, shortSince, longSince time.Time) (Pair, error)
	RecordPairAck(ctx context.Context, a, b string, at time.Time) error
	// DisablePair sets a cooldown until the given time, or blocks the pair
	// for good when permanent is true. A permanent block is never lifted.
	DisablePair(ctx context.Context, a, b string, until time.Time, permanent bool) error
}

// DeliveryStore converts due pending messages into inbox items.
type DeliveryStore interface {
	DeliverPendingMessages(ctx context.Context, run DeliveryRun) (DeliveryResult, error)
}

// Repository is the full contract.
type Repository interface {
	MoodStore
	MessageStore
	PrincipalStore
	CrisisStore
	AffinityStore
	TuningStore
	SecurityStore
	SecondTouchStore
	DeliveryStore
	Ping(ctx context.Context) error
}

// CandidateQuery parameterizes candidate sampling. Intensity and Themes are
// hints; eligibility filtering happens in the matching engine. Repositories
// order the active pool by detrand.Order over Seed before applying Limit, so
// every active principal can be sampled under some seed.
type CandidateQuery struct {
	SenderID  string
	Intensity Intensity
	Themes    []string
	Seed      string
	Limit     int
	Now       time.Time
}

// DeliveryRun parameterizes one scheduler tick.
type DeliveryRun struct {
	Now             time.Time
	BatchSize       int
	DefaultTZOffset int // minutes east of UTC, used when a recipient has none
	Silent          quiet.Hours
}

// DeliveryResult counts what one tick did.
type DeliveryResult struct {
	Claimed   int
	Delivered int
	Deferred  int
}

// PairKey orders two principals so (a, b) and (b, a) address the same pair.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// IntentKey is the NotificationIntent idempotency key for a message.
func IntentKey(messageID string) string {
	sum := sha256.Sum256([]byte("ghost:" + messageID))
	return hex.EncodeToString(sum[:16])
}
