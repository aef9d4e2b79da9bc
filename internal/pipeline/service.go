// Package pipeline orchestrates submissions and acknowledgements: input
// validation, rate limiting, classification, persistence, matching, and
// event emission. It is the entry point an HTTP layer calls into.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/hush/internal/audit"
	"github.com/albapepper/hush/internal/events"
	"github.com/albapepper/hush/internal/gate"
	"github.com/albapepper/hush/internal/matching"
	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/quiet"
	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/secondtouch"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/theme"
)

// Rate limiter actions.
const (
	ActionMood        = "mood"
	ActionMessage     = "message"
	ActionSecondTouch = "second_touch"
)

// Config holds pipeline timing.
type Config struct {
	GhostDelay time.Duration // pending messages become due after this
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{GhostDelay: 15 * time.Minute}
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Repo        store.Repository
	Matcher     *matching.Engine
	SecondTouch *secondtouch.Engine
	Classifier  *safety.Classifier
	Throttle    *safety.LeakThrottle
	Limiter     *safety.RateLimiter
	Audit       *audit.Recorder
	Events      *events.Publisher
}

// MoodInput is a mood check-in. Note is classified but never stored.
type MoodInput struct {
	PrincipalID     string          `json:"principal_id" validate:"required,max=128"`
	Valence         store.Valence   `json:"valence" validate:"required,oneof=negative neutral positive"`
	Intensity       store.Intensity `json:"intensity" validate:"required,oneof=low medium high"`
	Tags            []string        `json:"tags" validate:"max=10,dive,max=40"`
	Note            string          `json:"note" validate:"max=500"`
	TZOffsetMinutes *int            `json:"tz_offset_minutes" validate:"omitempty,gte=-840,lte=840"`
}

// MoodResult is returned for an accepted mood.
type MoodResult struct {
	MoodID string
	Themes []string
}

// MessageInput is a peer message submission.
type MessageInput struct {
	SenderID  string          `json:"sender_id" validate:"required,max=128"`
	Text      string          `json:"text" validate:"required,max=1000"`
	Valence   store.Valence   `json:"valence" validate:"required,oneof=negative neutral positive"`
	Intensity store.Intensity `json:"intensity" validate:"required,oneof=low medium high"`
	Tags      []string        `json:"tags" validate:"max=10,dive,max=40"`
	Seed      string          `json:"seed" validate:"max=128"`
}

// MessageResult is the sender-visible outcome. It never names the
// recipient.
type MessageResult struct {
	MessageID string // empty unless queued
	Outcome   matching.Outcome
	Mode      gate.Mode
	Reason    outcome.Reason
	Bridge    *gate.BridgeMessage
	Queued    bool
}

// AckInput is a recipient's reaction to an inbox item.
type AckInput struct {
	ItemID      string         `json:"item_id" validate:"required,max=64"`
	RecipientID string         `json:"recipient_id" validate:"required,max=128"`
	Reaction    store.Reaction `json:"reaction" validate:"required,oneof=thanks felt_this hug not_for_me"`
}

// SecondTouchInput spends a second-touch offer.
type SecondTouchInput struct {
	OfferID  string `json:"offer_id" validate:"required,max=64"`
	SenderID string `json:"sender_id" validate:"required,max=128"`
	Text     string `json:"text" validate:"required,max=1000"`
}

// Service is stateless and safe for concurrent use.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	return &Service{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitMood records a mood and refreshes the principal's matchable state.
func (s *Service) SubmitMood(ctx context.Context, in MoodInput) (MoodResult, error) {
	if err := check(in); err != nil {
		metrics.RecordSubmission(ActionMood, "invalid")
		return MoodResult{}, err
	}
	now := s.now().UTC()
	if err := s.deps.Limiter.Allow(ctx, ActionMood, in.PrincipalID, now); err != nil {
		metrics.RecordSubmission(ActionMood, "rate_limited")
		return MoodResult{}, err
	}

	cls := s.deps.Classifier.Classify(in.Note)
	if cls.RiskLevel >= safety.RiskCrisis {
		return MoodResult{}, s.crisis(ctx, ActionMood, in.PrincipalID, cls, now)
	}

	themes := theme.Map(in.Tags)
	mood := store.Mood{
		ID:          uuid.NewString(),
		PrincipalID: in.PrincipalID,
		Valence:     in.Valence,
		Intensity:   in.Intensity,
		Themes:      themes,
		RiskLevel:   cls.RiskLevel,
		CreatedAt:   now,
	}
	if err := s.deps.Repo.SaveMood(ctx, mood); err != nil {
		metrics.RecordSubmission(ActionMood, "error")
		return MoodResult{}, fmt.Errorf("save mood: %w", err)
	}
	err := s.deps.Repo.UpsertEligiblePrincipal(ctx, store.Principal{
		ID:              in.PrincipalID,
		Intensity:       in.Intensity,
		Themes:          themes,
		LastActiveDay:   quiet.Day(now, 0),
		TZOffsetMinutes: in.TZOffsetMinutes,
	})
	if err != nil {
		metrics.RecordSubmission(ActionMood, "error")
		return MoodResult{}, fmt.Errorf("upsert principal: %w", err)
	}

	e := events.New(events.MoodSubmitted, now)
	e.Valence = string(in.Valence)
	e.Intensity = string(in.Intensity)
	e.ThemeCount = len(themes)
	s.emit(ctx, e)
	metrics.RecordSubmission(ActionMood, "ok")
	return MoodResult{MoodID: mood.ID, Themes: themes}, nil
}

// SubmitMessage classifies a message, runs matching, and queues it for
// ghost delivery when a recipient was committed.
func (s *Service) SubmitMessage(ctx context.Context, in MessageInput) (MessageResult, error) {
	if err := check(in); err != nil {
		metrics.RecordSubmission(ActionMessage, "invalid")
		return MessageResult{}, err
	}
	if err := blank("text", in.Text); err != nil {
		metrics.RecordSubmission(ActionMessage, "invalid")
		return MessageResult{}, err
	}
	now := s.now().UTC()
	if err := s.deps.Limiter.Allow(ctx, ActionMessage, in.SenderID, now); err != nil {
		metrics.RecordSubmission(ActionMessage, "rate_limited")
		return MessageResult{}, err
	}

	cls := s.deps.Classifier.Classify(in.Text)
	if cls.RiskLevel >= safety.RiskCrisis {
		return MessageResult{}, s.crisis(ctx, ActionMessage, in.SenderID, cls, now)
	}

	var hold outcome.Reason
	if cls.IdentityLeak {
		for _, c := range cls.Categories {
			metrics.RecordLeak(string(c))
		}
		s.deps.Audit.Record(ctx, in.SenderID, audit.KindIdentityLeak, len(cls.Categories), now)
		s.flagged(ctx, cls, now)

		reason, err := s.deps.Throttle.Check(ctx, in.SenderID, now)
		if err != nil {
			s.deps.Audit.Record(ctx, in.SenderID, audit.KindLeakThrottled, len(cls.Categories), now)
			metrics.RecordSubmission(ActionMessage, "rate_limited")
			return MessageResult{}, err
		}
		hold = reason
	}

	themes := theme.Map(in.Tags)
	sub := events.New(events.MessageSubmitted, now)
	sub.Valence = string(in.Valence)
	sub.Intensity = string(in.Intensity)
	sub.ThemeCount = len(themes)
	sub.IdentityLeak = cls.IdentityLeak
	sub.CategoryCount = len(cls.Categories)
	s.emit(ctx, sub)

	d, err := s.deps.Matcher.Decide(ctx, matching.Request{
		SenderID:   in.SenderID,
		RiskLevel:  cls.RiskLevel,
		Valence:    in.Valence,
		Intensity:  in.Intensity,
		Themes:     themes,
		HoldReason: hold,
		Seed:       in.Seed,
		Now:        now,
	})
	if err != nil {
		metrics.RecordSubmission(ActionMessage, "error")
		return MessageResult{}, fmt.Errorf("match: %w", err)
	}
	metrics.RecordMatch(string(d.Outcome), string(d.Mode), string(d.Reason))

	md := events.New(events.MatchDecision, now)
	md.Outcome = string(d.Outcome)
	md.Mode = string(d.Mode)
	md.Reason = string(d.Reason)
	md.PoolSize = d.Sampled
	md.Relaxed = d.Relaxed
	s.emit(ctx, md)

	res := MessageResult{Outcome: d.Outcome, Mode: d.Mode, Reason: callerReason(d.Reason), Bridge: d.Bridge}
	if d.Outcome == matching.OutcomeDeliver {
		msg := store.Message{
			ID:           uuid.NewString(),
			SenderID:     in.SenderID,
			RecipientID:  d.RecipientID,
			Kind:         store.KindPeer,
			Valence:      in.Valence,
			Intensity:    in.Intensity,
			Themes:       themes,
			RiskLevel:    cls.RiskLevel,
			Text:         cls.Sanitized,
			IdentityLeak: cls.IdentityLeak,
			ReidRisk:     cls.ReidRisk,
			Status:       store.StatusPending,
			DeliverAt:    now.Add(s.cfg.GhostDelay),
			CreatedAt:    now,
		}
		if err := s.deps.Repo.SaveMessage(ctx, msg); err != nil {
			metrics.RecordSubmission(ActionMessage, "error")
			return MessageResult{}, fmt.Errorf("save message: %w", err)
		}
		res.MessageID = msg.ID
		res.Queued = true
	}

	da := events.New(events.DeliveryAttempted, now)
	da.Outcome = string(d.Outcome)
	da.Queued = res.Queued
	s.emit(ctx, da)

	if res.Queued {
		metrics.RecordSubmission(ActionMessage, "queued")
	} else {
		metrics.RecordSubmission(ActionMessage, "held")
	}
	return res, nil
}

// Acknowledge records a reaction. Only the first reaction on an item counts
// toward the sender's affinity and the pair's second-touch history.
func (s *Service) Acknowledge(ctx context.Context, in AckInput) (store.AckResult, error) {
	if err := check(in); err != nil {
		return store.AckResult{}, err
	}
	now := s.now().UTC()
	res, err := s.deps.Repo.Acknowledge(ctx, in.ItemID, in.RecipientID, in.Reaction, now)
	if err != nil {
		if errors.Is(err, outcome.ErrNotFound) {
			return store.AckResult{}, err
		}
		return store.AckResult{}, fmt.Errorf("acknowledge: %w", err)
	}

	if res.Status == store.AckRecorded && res.Reaction.Positive() && res.SenderID != "" {
		// The reaction is already stored; side effects are best-effort.
		if len(res.Themes) > 0 {
			if err := s.deps.Repo.RecordAffinity(ctx, res.SenderID, res.Themes, now); err != nil {
				s.logger.Warn("affinity update failed", "error", err)
			}
		}
		if err := s.deps.Repo.RecordPairAck(ctx, res.SenderID, in.RecipientID, now); err != nil {
			s.logger.Warn("pair ack failed", "error", err)
		}
	}

	e := events.New(events.Acknowledgement, now)
	e.Reaction = string(res.Reaction)
	e.AckStatus = string(res.Status)
	e.ThemeCount = len(res.Themes)
	s.emit(ctx, e)
	return res, nil
}

// OfferSecondTouch asks whether from may follow up with to.
func (s *Service) OfferSecondTouch(ctx context.Context, from, to string) (secondtouch.Result, error) {
	if from == "" || to == "" || from == to {
		return secondtouch.Result{}, &outcome.ValidationError{Field: "to", Msg: "must name another principal"}
	}
	return s.deps.SecondTouch.Offer(ctx, from, to)
}

// SendSecondTouch spends an offer.
func (s *Service) SendSecondTouch(ctx context.Context, in SecondTouchInput) (secondtouch.Result, error) {
	if err := check(in); err != nil {
		metrics.RecordSubmission(ActionSecondTouch, "invalid")
		return secondtouch.Result{}, err
	}
	if err := blank("text", in.Text); err != nil {
		metrics.RecordSubmission(ActionSecondTouch, "invalid")
		return secondtouch.Result{}, err
	}
	if err := s.deps.Limiter.Allow(ctx, ActionSecondTouch, in.SenderID, s.now().UTC()); err != nil {
		metrics.RecordSubmission(ActionSecondTouch, "rate_limited")
		return secondtouch.Result{}, err
	}
	res, err := s.deps.SecondTouch.Send(ctx, in.OfferID, in.SenderID, in.Text)
	switch {
	case errors.Is(err, outcome.ErrSafetyBlock):
		metrics.RecordSubmission(ActionSecondTouch, "blocked")
	case err != nil:
		metrics.RecordSubmission(ActionSecondTouch, "error")
	case res.Held:
		metrics.RecordSubmission(ActionSecondTouch, "held")
	default:
		metrics.RecordSubmission(ActionSecondTouch, "queued")
	}
	return res, err
}

// crisis handles a risk-2 submission: nothing is stored but the crisis
// action. It always returns outcome.ErrSafetyBlock.
func (s *Service) crisis(ctx context.Context, kind, principal string, cls safety.Result, now time.Time) error {
	if err := s.deps.Repo.RecordCrisisAction(ctx, principal, now); err != nil {
		s.logger.Error("crisis action not recorded", "kind", kind, "error", err)
	}
	s.deps.Audit.Record(ctx, principal, audit.KindCrisis, len(cls.Categories), now)
	s.flagged(ctx, cls, now)
	metrics.RecordSubmission(kind, "blocked")
	return outcome.ErrSafetyBlock
}

// callerReason is the reason shown to the sender. A shadow-throttled leak
// looks like an ordinary empty pool; events and metrics keep the real code.
func callerReason(r outcome.Reason) outcome.Reason {
	if r == outcome.ReasonIdentityLeakThrottled {
		return outcome.ReasonNoEligibleCandidates
	}
	return r
}

func (s *Service) flagged(ctx context.Context, cls safety.Result, now time.Time) {
	e := events.New(events.ModerationFlagged, now)
	e.RiskLevel = cls.RiskLevel
	e.IdentityLeak = cls.IdentityLeak
	e.CategoryCount = len(cls.Categories)
	s.emit(ctx, e)
}

// emit never fails a request. The publisher logs schema failures itself.
func (s *Service) emit(ctx context.Context, e events.Event) {
	if s.deps.Events == nil {
		return
	}
	_ = s.deps.Events.Emit(ctx, e)
}
