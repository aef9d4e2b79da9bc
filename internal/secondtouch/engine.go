// Package secondtouch offers and sends a single reciprocal follow-up between
// two principals with a history of positive acknowledgements.
package secondtouch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/hush/internal/audit"
	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/store"
)

// capWindow is the trailing window the monthly offer cap counts over.
const capWindow = 30 * 24 * time.Hour

// Config holds the gate thresholds.
type Config struct {
	RecentMoodWindow time.Duration
	MinAcksShort     int
	ShortWindow      time.Duration
	MinAcksLong      int
	LongWindow       time.Duration
	MonthlyCap       int
	OfferTTL         time.Duration
	GhostDelay       time.Duration
	PairCooldown     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RecentMoodWindow: 7 * 24 * time.Hour,
		MinAcksShort:     1,
		ShortWindow:      14 * 24 * time.Hour,
		MinAcksLong:      3,
		LongWindow:       60 * 24 * time.Hour,
		MonthlyCap:       2,
		OfferTTL:         48 * time.Hour,
		GhostDelay:       15 * time.Minute,
		PairCooldown:     14 * 24 * time.Hour,
	}
}

// Repository is the slice of store.Repository the engine uses.
type Repository interface {
	store.SecondTouchStore
	IsInCrisisWindow(ctx context.Context, principal string, now time.Time) (bool, error)
	RecordCrisisAction(ctx context.Context, principal string, at time.Time) error
	LastPositiveMood(ctx context.Context, principal string) (time.Time, bool, error)
	SaveMessage(ctx context.Context, m store.Message) error
}

// Result reports an offer or send. Held is false only on success.
type Result struct {
	Held      bool
	Reason    outcome.Reason
	Offer     *store.Offer
	MessageID string
}

func held(r outcome.Reason) Result { return Result{Held: true, Reason: r} }

// Engine is safe for concurrent use.
type Engine struct {
	repo       Repository
	classifier *safety.Classifier
	audit      *audit.Recorder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(repo Repository, classifier *safety.Classifier, rec *audit.Recorder, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		repo:       repo,
		classifier: classifier,
		audit:      rec,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Offer creates a follow-up slot from → to when every gate passes.
func (e *Engine) Offer(ctx context.Context, from, to string) (Result, error) {
	now := e.now().UTC()
	reason, err := e.gates(ctx, from, to, now, true)
	if err != nil {
		return Result{}, err
	}
	if reason != outcome.ReasonNone {
		metrics.RecordSecondTouch("offer", string(reason))
		return held(reason), nil
	}

	o := store.Offer{
		ID:        uuid.NewString(),
		FromID:    from,
		ToID:      to,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.OfferTTL),
	}
	if err := e.repo.CreateOffer(ctx, o); err != nil {
		return Result{}, fmt.Errorf("create offer: %w", err)
	}
	metrics.RecordSecondTouch("offer", "")
	return Result{Offer: &o}, nil
}

// Send spends offerID on a message from sender. The offer is consumed at
// most once; every gate except the monthly cap is checked again.
func (e *Engine) Send(ctx context.Context, offerID, sender, text string) (Result, error) {
	now := e.now().UTC()

	o, err := e.repo.GetOffer(ctx, offerID)
	if err != nil {
		return Result{}, err
	}
	if o.FromID != sender {
		return Result{}, outcome.ErrNotFound
	}
	switch {
	case o.Used():
		return e.sendHeld(outcome.ReasonCooldownActive), nil
	case o.Expired || !now.Before(o.ExpiresAt):
		return e.sendHeld(outcome.ReasonOfferExpired), nil
	}

	res := e.classifier.Classify(text)
	if res.RiskLevel >= safety.RiskCrisis {
		if err := e.repo.RecordCrisisAction(ctx, sender, now); err != nil {
			return Result{}, fmt.Errorf("record crisis: %w", err)
		}
		e.audit.Record(ctx, sender, audit.KindSecondTouchCrisis, 0, now)
		metrics.RecordSecondTouch("send", string(outcome.ReasonCrisisBlock))
		return Result{}, outcome.ErrSafetyBlock
	}
	if res.IdentityLeak {
		if err := e.repo.DisablePair(ctx, o.FromID, o.ToID, time.Time{}, true); err != nil {
			return Result{}, fmt.Errorf("disable pair: %w", err)
		}
		e.audit.Record(ctx, sender, audit.KindSecondTouchLeak, len(res.Categories), now)
		return e.sendHeld(outcome.ReasonIdentityLeakDisabled), nil
	}

	reason, err := e.gates(ctx, o.FromID, o.ToID, now, false)
	if err != nil {
		return Result{}, err
	}
	if reason != outcome.ReasonNone {
		return e.sendHeld(reason), nil
	}

	ok, err := e.repo.ConsumeOffer(ctx, o.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("consume offer: %w", err)
	}
	if !ok {
		return e.sendHeld(outcome.ReasonCooldownActive), nil
	}

	msg := store.Message{
		ID:          uuid.NewString(),
		SenderID:    o.FromID,
		RecipientID: o.ToID,
		Kind:        store.KindSecondTouch,
		Valence:     store.ValencePositive,
		Intensity:   store.IntensityLow,
		RiskLevel:   res.RiskLevel,
		Text:        res.Sanitized,
		ReidRisk:    res.ReidRisk,
		Status:      store.StatusPending,
		DeliverAt:   now.Add(e.cfg.GhostDelay),
		CreatedAt:   now,
	}
	if err := e.repo.SaveMessage(ctx, msg); err != nil {
		// Hand the offer back so a failed save does not spend it.
		if rerr := e.repo.ReleaseOffer(ctx, o.ID, now); rerr != nil {
			e.logger.Warn("offer not released", "error", rerr)
		}
		return Result{}, fmt.Errorf("save second touch: %w", err)
	}
	if err := e.repo.DisablePair(ctx, o.FromID, o.ToID, now.Add(e.cfg.PairCooldown), false); err != nil {
		// The message is already queued; the consumed offer still blocks a
		// repeat send.
		e.logger.Warn("pair cooldown not set", "error", err)
	}
	metrics.RecordSecondTouch("send", "")
	return Result{MessageID: msg.ID}, nil
}

// ExpireOffers marks unused offers past expiry as expired.
func (e *Engine) ExpireOffers(ctx context.Context) (int, error) {
	n, err := e.repo.ExpireOffers(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	return n, nil
}

func (e *Engine) sendHeld(r outcome.Reason) Result {
	metrics.RecordSecondTouch("send", string(r))
	return held(r)
}

// gates runs the offer checks in order and returns the first failing
// reason, or ReasonNone.
func (e *Engine) gates(ctx context.Context, from, to string, now time.Time, withCap bool) (outcome.Reason, error) {
	for _, p := range []string{from, to} {
		in, err := e.repo.IsInCrisisWindow(ctx, p, now)
		if err != nil {
			return "", fmt.Errorf("crisis window: %w", err)
		}
		if in {
			return outcome.ReasonCrisisWindow, nil
		}
	}

	pair, err := e.repo.GetPair(ctx, from, to, now.Add(-e.cfg.ShortWindow), now.Add(-e.cfg.LongWindow))
	if err != nil {
		return "", fmt.Errorf("get pair: %w", err)
	}
	if pair.Permanent {
		return outcome.ReasonPairDisabled, nil
	}
	if pair.CoolingDown(now) {
		return outcome.ReasonPairCooldown, nil
	}

	for _, p := range []string{from, to} {
		at, ok, err := e.repo.LastPositiveMood(ctx, p)
		if err != nil {
			return "", fmt.Errorf("last positive mood: %w", err)
		}
		if !ok || now.Sub(at) > e.cfg.RecentMoodWindow {
			return outcome.ReasonNoRecentPositive, nil
		}
	}

	if pair.AcksShort < e.cfg.MinAcksShort || pair.AcksLong < e.cfg.MinAcksLong {
		return outcome.ReasonInsufficientHistory, nil
	}

	if withCap {
		n, err := e.repo.CountOffersSince(ctx, from, now.Add(-capWindow))
		if err != nil {
			return "", fmt.Errorf("count offers: %w", err)
		}
		if n >= e.cfg.MonthlyCap {
			return outcome.ReasonMonthlyCap, nil
		}
	}
	return outcome.ReasonNone, nil
}
