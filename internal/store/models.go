package store

import (
	"math"
	"time"
)

// Valence of a mood signal.
type Valence string

const (
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
	ValencePositive Valence = "positive"
)

// Intensity bucket of a mood signal.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// Ordinal places the bucket on a line so band widths can be measured.
// Unknown buckets return -1.
func (i Intensity) Ordinal() int {
	switch i {
	case IntensityLow:
		return 0
	case IntensityMedium:
		return 1
	case IntensityHigh:
		return 2
	default:
		return -1
	}
}

// MessageKind distinguishes ordinary peer messages from second-touch replies.
type MessageKind string

const (
	KindPeer        MessageKind = "peer"
	KindSecondTouch MessageKind = "second_touch"
)

// DeliveryStatus moves pending → delivered exactly once.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
)

// Reaction is a recipient's acknowledgement of an inbox item.
type Reaction string

const (
	ReactionThanks   Reaction = "thanks"
	ReactionFeltThis Reaction = "felt_this"
	ReactionHug      Reaction = "hug"
	ReactionNotForMe Reaction = "not_for_me"
)

// Positive reports whether the reaction counts toward health and affinity.
func (r Reaction) Positive() bool {
	return r == ReactionThanks || r == ReactionFeltThis || r == ReactionHug
}

// Valid reports whether r is a known reaction.
func (r Reaction) Valid() bool {
	return r.Positive() || r == ReactionNotForMe
}

// AckStatus is the outcome of Acknowledge.
type AckStatus string

const (
	AckRecorded        AckStatus = "recorded"
	AckAlreadyRecorded AckStatus = "already_recorded"
)

// Mood is an immutable mood submission. Crisis moods are never stored.
type Mood struct {
	ID          string
	PrincipalID string
	Valence     Valence
	Intensity   Intensity
	Themes      []string
	RiskLevel   int
	CreatedAt   time.Time
}

// Message is an immutable submission addressed to one recipient, except for
// Status moving to delivered and DeliverAt moving later while pending.
type Message struct {
	ID           string
	SenderID     string
	RecipientID  string
	Kind         MessageKind
	Valence      Valence
	Intensity    Intensity
	Themes       []string
	RiskLevel    int
	Text         string // sanitized
	IdentityLeak bool
	ReidRisk     float64
	Status       DeliveryStatus
	DeliverAt    time.Time
	CreatedAt    time.Time
}

// InboxItem is a delivered message owned by exactly one recipient.
type InboxItem struct {
	ID          string
	RecipientID string
	MessageID   string
	DeliveredOn time.Time // recipient's local calendar day, midnight UTC
	Reaction    Reaction  // empty while unread
	ReactedAt   *time.Time
}

// Reacted reports whether the item has been acknowledged.
func (i InboxItem) Reacted() bool { return i.Reaction != "" }

// AckResult is returned by Acknowledge. SenderID and Themes come from the
// referenced message so the caller can update affinity.
type AckResult struct {
	Status   AckStatus
	Reaction Reaction
	SenderID string
	Themes   []string
}

// Principal is the matchable state of one participant.
type Principal struct {
	ID              string
	Intensity       Intensity
	Themes          []string
	LastActiveDay   time.Time // UTC day bucket
	TZOffsetMinutes *int      // nil keeps the stored value
}

// Candidate is what sampling sees of a principal: an opaque id and buckets.
type Candidate struct {
	ID            string
	Intensity     Intensity
	Themes        []string
	LastActiveDay time.Time
}

// Tuning is the mutable matching control state.
type Tuning struct {
	IntensityBand      int
	LowPoolMultiplier  float64
	HighPoolMultiplier float64
	AllowThemeRelax    bool
	UpdatedAt          time.Time
}

// DefaultTuning is the seed row.
func DefaultTuning() Tuning {
	return Tuning{
		IntensityBand:      0,
		LowPoolMultiplier:  2.0,
		HighPoolMultiplier: 1.0,
		AllowThemeRelax:    false,
	}
}

// Health is the rolling acknowledgement aggregate.
type Health struct {
	Delivered    int64
	PositiveAcks int64
	Ratio        float64
}

// NewHealth computes the ratio, zero when nothing was delivered.
func NewHealth(delivered, positive int64) Health {
	h := Health{Delivered: delivered, PositiveAcks: positive}
	if delivered > 0 {
		h.Ratio = float64(positive) / float64(delivered)
	}
	return h
}

// SecurityEvent is an audit record keyed only by an HMAC actor hash.
type SecurityEvent struct {
	ActorHash  string
	Kind       string
	Categories int
	CreatedAt  time.Time
}

// Offer is a single-use second-touch slot.
type Offer struct {
	ID        string
	FromID    string
	ToID      string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	Expired   bool
}

// Used reports whether the offer has been consumed.
func (o Offer) Used() bool { return o.UsedAt != nil }

// Pair is the second-touch history of two principals.
type Pair struct {
	A, B                string // PairKey order
	AcksShort, AcksLong int
	DisabledUntil       time.Time
	Permanent           bool
}

// CoolingDown reports whether a temporary disable is active at now.
func (p Pair) CoolingDown(now time.Time) bool {
	return now.Before(p.DisabledUntil)
}

// Decay applies the per-day geometric decay to a score last updated at from.
func Decay(score, perDay float64, from, to time.Time) float64 {
	days := to.Sub(from).Hours() / 24
	if days <= 0 || perDay >= 1 {
		return score
	}
	return score * math.Pow(perDay, days)
}

// HealthSince is the first UTC day counted by a windowDays health window.
func HealthSince(now time.Time, windowDays int) time.Time {
	d := now.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -windowDays)
}
