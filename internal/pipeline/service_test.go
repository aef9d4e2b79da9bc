package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/hush/internal/audit"
	"github.com/albapepper/hush/internal/events"
	"github.com/albapepper/hush/internal/gate"
	"github.com/albapepper/hush/internal/kv"
	"github.com/albapepper/hush/internal/matching"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/secondtouch"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/store/memory"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

type fixture struct {
	repo *memory.Repository
	kv   *kv.MemoryStore
	rec  *events.Recorder
	svc  *Service
}

type options struct {
	throttle safety.ThrottleConfig
	limit    safety.RateLimitConfig
}

func newFixture(t *testing.T, mutate ...func(*options)) *fixture {
	t.Helper()
	opts := options{throttle: safety.DefaultThrottleConfig(), limit: safety.DefaultRateLimitConfig()}
	for _, m := range mutate {
		m(&opts)
	}

	logger := slog.New(slog.DiscardHandler)
	repo := memory.New(store.DefaultPolicy())
	cool := kv.NewMemoryStore().WithClock(func() time.Time { return now })
	rec := &events.Recorder{}
	classifier := safety.NewClassifier()
	recorder := audit.New(repo, []byte("test-secret"), logger)
	clock := func() time.Time { return now }

	svc := New(Deps{
		Repo:        repo,
		Matcher:     matching.NewEngine(repo, cool, matching.DefaultConfig(), logger),
		SecondTouch: secondtouch.NewEngine(repo, classifier, recorder, secondtouch.DefaultConfig(), logger).WithClock(clock),
		Classifier:  classifier,
		Throttle:    safety.NewLeakThrottle(cool, opts.throttle, logger),
		Limiter:     safety.NewRateLimiter(cool, opts.limit, logger),
		Audit:       recorder,
		Events:      events.NewPublisher(logger, rec),
	}, DefaultConfig(), logger).WithClock(clock)

	return &fixture{repo: repo, kv: cool, rec: rec, svc: svc}
}

// pool registers n active principals besides the sender.
func (f *fixture) pool(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.svc.SubmitMood(context.Background(), MoodInput{
			PrincipalID: fmt.Sprintf("peer-%d", i),
			Valence:     store.ValenceNeutral,
			Intensity:   store.IntensityLow,
			Tags:        []string{"job"},
		})
		require.NoError(t, err)
	}
}

func message(text string) MessageInput {
	return MessageInput{
		SenderID:  "sender",
		Text:      text,
		Valence:   store.ValenceNegative,
		Intensity: store.IntensityLow,
		Tags:      []string{"work"},
	}
}

func TestSubmitMoodValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    MoodInput
		field string
	}{
		{"missing principal", MoodInput{Valence: store.ValencePositive, Intensity: store.IntensityLow}, "principal_id"},
		{"bad valence", MoodInput{PrincipalID: "p", Valence: "ecstatic", Intensity: store.IntensityLow}, "valence"},
		{"bad intensity", MoodInput{PrincipalID: "p", Valence: store.ValencePositive, Intensity: "extreme"}, "intensity"},
		{"tz out of range", MoodInput{PrincipalID: "p", Valence: store.ValencePositive, Intensity: store.IntensityLow, TZOffsetMinutes: ptr(2000)}, "tz_offset_minutes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SubmitMood(ctx, tc.in)
			var verr *outcome.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Empty(t, f.repo.Moods())
}

func TestSubmitMoodStoresThemesAndActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.SubmitMood(ctx, MoodInput{
		PrincipalID: "p1",
		Valence:     store.ValencePositive,
		Intensity:   store.IntensityMedium,
		Tags:        []string{" Job ", "lonely", "pizza"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MoodID)
	assert.Equal(t, []string{"loneliness", "work"}, res.Themes)

	moods := f.repo.Moods()
	require.Len(t, moods, 1)
	assert.Equal(t, res.Themes, moods[0].Themes)

	cands, err := f.repo.GetEligibleCandidates(ctx, store.CandidateQuery{SenderID: "other", Limit: 10, Now: now})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, store.IntensityMedium, cands[0].Intensity)
	assert.Len(t, f.rec.Named(events.MoodSubmitted), 1)
}

func TestSubmitMoodCrisisNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitMood(ctx, MoodInput{
		PrincipalID: "p1",
		Valence:     store.ValenceNegative,
		Intensity:   store.IntensityHigh,
		Note:        "I want to die",
	})
	require.ErrorIs(t, err, outcome.ErrSafetyBlock)
	assert.Empty(t, f.repo.Moods())

	in, err := f.repo.IsInCrisisWindow(ctx, "p1", now)
	require.NoError(t, err)
	assert.True(t, in)

	evs := f.repo.SecurityEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.KindCrisis, evs[0].Kind)
	assert.NotEqual(t, "p1", evs[0].ActorHash)

	flagged := f.rec.Named(events.ModerationFlagged)
	require.Len(t, flagged, 1)
	assert.Equal(t, 2, flagged[0].RiskLevel)
}

func TestSubmitMessageQueuesForGhostDelivery(t *testing.T) {
	f := newFixture(t)
	f.pool(t, 3)

	res, err := f.svc.SubmitMessage(context.Background(), message("rough day, hang in there"))
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeDeliver, res.Outcome)
	assert.Equal(t, gate.ModeDeliverPeer, res.Mode)
	assert.True(t, res.Queued)

	msg, ok := f.repo.Message(res.MessageID)
	require.True(t, ok)
	assert.Equal(t, store.StatusPending, msg.Status)
	assert.Equal(t, store.KindPeer, msg.Kind)
	assert.Equal(t, now.Add(DefaultConfig().GhostDelay), msg.DeliverAt)
	assert.Contains(t, msg.RecipientID, "peer-")
	assert.Equal(t, []string{"work"}, msg.Themes)

	for _, name := range []events.Name{events.MessageSubmitted, events.MatchDecision, events.DeliveryAttempted} {
		assert.Len(t, f.rec.Named(name), 1, name)
	}
	assert.True(t, f.rec.Named(events.DeliveryAttempted)[0].Queued)
}

func TestSubmitMessageSmallPoolBridges(t *testing.T) {
	f := newFixture(t)
	f.pool(t, 2)

	res, err := f.svc.SubmitMessage(context.Background(), message("anyone out there"))
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeHold, res.Outcome)
	assert.Equal(t, gate.ModeBridgeSystem, res.Mode)
	assert.Equal(t, outcome.ReasonInsufficientPool, res.Reason)
	require.NotNil(t, res.Bridge)
	assert.False(t, res.Queued)
	assert.Empty(t, f.repo.Messages())

	md := f.rec.Named(events.MatchDecision)
	require.Len(t, md, 1)
	assert.Equal(t, "insufficient_pool", md[0].Reason)
	assert.Equal(t, 2, md[0].PoolSize)
}

func TestSubmitMessageCrisis(t *testing.T) {
	f := newFixture(t)
	f.pool(t, 3)
	ctx := context.Background()

	_, err := f.svc.SubmitMessage(ctx, message("I want to die tonight"))
	require.ErrorIs(t, err, outcome.ErrSafetyBlock)
	assert.Empty(t, f.repo.Messages())
	assert.Empty(t, f.rec.Named(events.MatchDecision))

	// Inside the window every later message is bridged.
	res, err := f.svc.SubmitMessage(ctx, message("feeling a little better"))
	require.NoError(t, err)
	assert.Equal(t, gate.ModeBridgeSystem, res.Mode)
	assert.Equal(t, outcome.ReasonCrisisWindow, res.Reason)
	assert.Empty(t, f.repo.Messages())
}

func TestSubmitMessageLeakRedactsThenShadowHolds(t *testing.T) {
	f := newFixture(t)
	f.pool(t, 4)
	ctx := context.Background()

	res, err := f.svc.SubmitMessage(ctx, message("write to sam@example.com any time"))
	require.NoError(t, err)
	require.True(t, res.Queued)
	msg, _ := f.repo.Message(res.MessageID)
	assert.NotContains(t, msg.Text, "sam@example.com")
	assert.Contains(t, msg.Text, safety.Placeholder)
	assert.True(t, msg.IdentityLeak)

	res, err = f.svc.SubmitMessage(ctx, message("or sam@example.com again"))
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeHold, res.Outcome)
	assert.Equal(t, gate.ModeHold, res.Mode)
	assert.Equal(t, outcome.ReasonNoEligibleCandidates, res.Reason)
	assert.Nil(t, res.Bridge)
	assert.Len(t, f.repo.Messages(), 1)

	decisions := f.rec.Named(events.MatchDecision)
	require.Len(t, decisions, 2)
	assert.Equal(t, string(outcome.ReasonIdentityLeakThrottled), decisions[1].Reason)

	assert.Len(t, f.repo.SecurityEvents(), 2)
	assert.Len(t, f.rec.Named(events.ModerationFlagged), 2)
}

func TestSubmitMessageLeakHardLimit(t *testing.T) {
	f := newFixture(t, func(o *options) {
		o.throttle.HardLimit = 1
		o.throttle.ShadowThreshold = 10
	})
	f.pool(t, 4)
	ctx := context.Background()

	_, err := f.svc.SubmitMessage(ctx, message("sam@example.com"))
	require.NoError(t, err)
	_, err = f.svc.SubmitMessage(ctx, message("sam@example.com please"))
	require.ErrorIs(t, err, outcome.ErrRateLimited)
	assert.Len(t, f.repo.Messages(), 1)
}

func TestSubmitMessageLeakThrottleFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.pool(t, 4)
	f.kv.SetDown(true)

	_, err := f.svc.SubmitMessage(context.Background(), message("sam@example.com"))
	require.ErrorIs(t, err, outcome.ErrRateLimited)
	assert.Empty(t, f.repo.Messages())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(o *options) { o.limit = safety.RateLimitConfig{Requests: 1, Window: time.Hour} })
	ctx := context.Background()
	in := MoodInput{PrincipalID: "p1", Valence: store.ValencePositive, Intensity: store.IntensityLow}

	_, err := f.svc.SubmitMood(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.SubmitMood(ctx, in)
	assert.ErrorIs(t, err, outcome.ErrRateLimited)
	assert.Len(t, f.repo.Moods(), 1)
}

func TestSubmitMessageBlankText(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitMessage(context.Background(), message("   "))
	var verr *outcome.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "text", verr.Field)
}

func TestAcknowledgeUpdatesAffinityOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveMessage(ctx, store.Message{
		ID: "m1", SenderID: "s", RecipientID: "r", Kind: store.KindPeer, Themes: []string{"grief"},
		Valence: store.ValenceNegative, Intensity: store.IntensityLow, DeliverAt: now,
	}))
	require.NoError(t, f.repo.CreateInboxItem(ctx, store.InboxItem{ID: "i1", RecipientID: "r", MessageID: "m1", DeliveredOn: now}))

	_, err := f.svc.Acknowledge(ctx, AckInput{ItemID: "i1", RecipientID: "intruder", Reaction: store.ReactionHug})
	require.ErrorIs(t, err, outcome.ErrNotFound)

	res, err := f.svc.Acknowledge(ctx, AckInput{ItemID: "i1", RecipientID: "r", Reaction: store.ReactionHug})
	require.NoError(t, err)
	assert.Equal(t, store.AckRecorded, res.Status)

	res, err = f.svc.Acknowledge(ctx, AckInput{ItemID: "i1", RecipientID: "r", Reaction: store.ReactionNotForMe})
	require.NoError(t, err)
	assert.Equal(t, store.AckAlreadyRecorded, res.Status)
	assert.Equal(t, store.ReactionHug, res.Reaction)

	scores, err := f.repo.GetAffinityMap(ctx, "s", now)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scores["grief"], 1e-9)

	pair, err := f.repo.GetPair(ctx, "r", "s", now.Add(-time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pair.AcksShort)

	acks := f.rec.Named(events.Acknowledgement)
	require.Len(t, acks, 2)
	assert.Equal(t, "recorded", acks[0].AckStatus)
	assert.Equal(t, "already_recorded", acks[1].AckStatus)
}

func TestAcknowledgeNegativeReactionSkipsAffinity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveMessage(ctx, store.Message{ID: "m1", SenderID: "s", RecipientID: "r", Themes: []string{"grief"}}))
	require.NoError(t, f.repo.CreateInboxItem(ctx, store.InboxItem{ID: "i1", RecipientID: "r", MessageID: "m1"}))

	_, err := f.svc.Acknowledge(ctx, AckInput{ItemID: "i1", RecipientID: "r", Reaction: store.ReactionNotForMe})
	require.NoError(t, err)
	scores, err := f.repo.GetAffinityMap(ctx, "s", now)
	require.NoError(t, err)
	assert.Zero(t, scores["grief"])
}

func TestSecondTouchWrappers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OfferSecondTouch(ctx, "a", "a")
	var verr *outcome.ValidationError
	require.ErrorAs(t, err, &verr)

	res, err := f.svc.OfferSecondTouch(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, res.Held)
	assert.Equal(t, outcome.ReasonNoRecentPositive, res.Reason)

	_, err = f.svc.SendSecondTouch(ctx, SecondTouchInput{OfferID: "missing", SenderID: "a", Text: "thanks again"})
	assert.ErrorIs(t, err, outcome.ErrNotFound)
}

func TestEventsNeverCarryIdentifiers(t *testing.T) {
	f := newFixture(t)
	f.pool(t, 3)
	_, err := f.svc.SubmitMessage(context.Background(), message("write to sam@example.com"))
	require.NoError(t, err)

	for _, e := range f.rec.Events() {
		require.NoError(t, events.Validate(e))
	}
}

func ptr[T any](v T) *T { return &v }
