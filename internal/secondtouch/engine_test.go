package secondtouch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/hush/internal/audit"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/store/memory"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

type fixture struct {
	repo  *memory.Repository
	eng   *Engine
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	repo := memory.New(store.DefaultPolicy())
	f := &fixture{repo: repo, clock: now}
	f.eng = NewEngine(repo, safety.NewClassifier(), audit.New(repo, []byte("k"), logger), DefaultConfig(), logger).
		WithClock(func() time.Time { return f.clock })
	return f
}

// ready makes a and b pass every gate.
func (f *fixture) ready(t *testing.T, a, b string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []string{a, b} {
		require.NoError(t, f.repo.SaveMood(ctx, store.Mood{
			PrincipalID: p, Valence: store.ValencePositive, Intensity: store.IntensityLow, CreatedAt: now.Add(-time.Hour),
		}))
	}
	for _, d := range []time.Duration{1, 20, 40} {
		require.NoError(t, f.repo.RecordPairAck(ctx, a, b, now.Add(-d*24*time.Hour)))
	}
}

func TestOfferGatesInOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("no history", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.True(t, r.Held)
		assert.Equal(t, outcome.ReasonNoRecentPositive, r.Reason)
	})

	t.Run("crisis on recipient side wins", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, "a", "b")
		require.NoError(t, f.repo.DisablePair(ctx, "a", "b", time.Time{}, true))
		require.NoError(t, f.repo.RecordCrisisAction(ctx, "b", now.Add(-time.Hour)))
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonCrisisWindow, r.Reason)
	})

	t.Run("permanent disable", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, "a", "b")
		require.NoError(t, f.repo.DisablePair(ctx, "b", "a", time.Time{}, true))
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonPairDisabled, r.Reason)
	})

	t.Run("temporary cooldown", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, "a", "b")
		require.NoError(t, f.repo.DisablePair(ctx, "a", "b", now.Add(time.Hour), false))
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonPairCooldown, r.Reason)
	})

	t.Run("stale positive mood", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, "a", "b")
		f.clock = now.Add(8 * 24 * time.Hour)
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonNoRecentPositive, r.Reason)
	})

	t.Run("insufficient history", func(t *testing.T) {
		f := newFixture(t)
		for _, p := range []string{"a", "b"} {
			require.NoError(t, f.repo.SaveMood(ctx, store.Mood{PrincipalID: p, Valence: store.ValencePositive, CreatedAt: now}))
		}
		require.NoError(t, f.repo.RecordPairAck(ctx, "a", "b", now))
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonInsufficientHistory, r.Reason)
	})

	t.Run("monthly cap", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, "a", "b")
		for i := 0; i < DefaultConfig().MonthlyCap; i++ {
			r, err := f.eng.Offer(ctx, "a", "b")
			require.NoError(t, err)
			require.False(t, r.Held)
		}
		r, err := f.eng.Offer(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonMonthlyCap, r.Reason)
	})
}

func TestSendConsumesOnce(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "a", "b")
	ctx := context.Background()

	offer, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)
	require.NotNil(t, offer.Offer)

	first, err := f.eng.Send(ctx, offer.Offer.ID, "a", "thinking of you this week")
	require.NoError(t, err)
	assert.False(t, first.Held)
	require.NotEmpty(t, first.MessageID)

	msg, ok := f.repo.Message(first.MessageID)
	require.True(t, ok)
	assert.Equal(t, store.KindSecondTouch, msg.Kind)
	assert.Equal(t, "b", msg.RecipientID)
	assert.Equal(t, store.StatusPending, msg.Status)
	assert.Equal(t, now.Add(DefaultConfig().GhostDelay), msg.DeliverAt)

	second, err := f.eng.Send(ctx, offer.Offer.ID, "a", "again")
	require.NoError(t, err)
	assert.True(t, second.Held)
	assert.Equal(t, outcome.ReasonCooldownActive, second.Reason)

	// The pair is now cooling down for new offers.
	r, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, outcome.ReasonPairCooldown, r.Reason)
}

// brokenSave fails every message write.
type brokenSave struct{ *memory.Repository }

func (brokenSave) SaveMessage(context.Context, store.Message) error { return assert.AnError }

func TestFailedSaveKeepsOfferUsable(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "a", "b")
	ctx := context.Background()

	offer, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)
	require.NotNil(t, offer.Offer)

	logger := slog.New(slog.DiscardHandler)
	broken := NewEngine(brokenSave{f.repo}, safety.NewClassifier(), audit.New(f.repo, []byte("k"), logger), DefaultConfig(), logger).
		WithClock(func() time.Time { return f.clock })
	_, err = broken.Send(ctx, offer.Offer.ID, "a", "thinking of you")
	require.ErrorIs(t, err, assert.AnError)

	o, err := f.repo.GetOffer(ctx, offer.Offer.ID)
	require.NoError(t, err)
	assert.False(t, o.Used())
	assert.Empty(t, f.repo.Messages())

	res, err := f.eng.Send(ctx, offer.Offer.ID, "a", "thinking of you")
	require.NoError(t, err)
	assert.False(t, res.Held)
	assert.NotEmpty(t, res.MessageID)
}

func TestConcurrentSendsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "a", "b")
	ctx := context.Background()
	offer, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.eng.Send(ctx, offer.Offer.ID, "a", "hello again")
			assert.NoError(t, err)
			if !r.Held {
				mu.Lock()
				sent++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, sent)
	assert.Len(t, f.repo.Messages(), 1)
}

func TestSendRejectsForeignAndExpiredOffers(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "a", "b")
	ctx := context.Background()
	offer, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)

	_, err = f.eng.Send(ctx, offer.Offer.ID, "b", "hi")
	assert.ErrorIs(t, err, outcome.ErrNotFound)

	_, err = f.eng.Send(ctx, "missing", "a", "hi")
	assert.ErrorIs(t, err, outcome.ErrNotFound)

	f.clock = now.Add(DefaultConfig().OfferTTL)
	r, err := f.eng.Send(ctx, offer.Offer.ID, "a", "hi")
	require.NoError(t, err)
	assert.Equal(t, outcome.ReasonOfferExpired, r.Reason)

	n, err := f.eng.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendLeakDisablesPairForGood(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "a", "b")
	ctx := context.Background()
	offer, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)

	r, err := f.eng.Send(ctx, offer.Offer.ID, "a", "text me at 555-123-4567")
	require.NoError(t, err)
	assert.Equal(t, outcome.ReasonIdentityLeakDisabled, r.Reason)
	assert.Empty(t, f.repo.Messages())
	assert.Len(t, f.repo.SecurityEvents(), 1)

	again, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, outcome.ReasonPairDisabled, again.Reason)
}

func TestSendSelfHarmBlocks(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "a", "b")
	ctx := context.Background()
	offer, err := f.eng.Offer(ctx, "a", "b")
	require.NoError(t, err)

	_, err = f.eng.Send(ctx, offer.Offer.ID, "a", "i want to die")
	assert.ErrorIs(t, err, outcome.ErrSafetyBlock)
	assert.Empty(t, f.repo.Messages())

	in, err := f.repo.IsInCrisisWindow(ctx, "a", now)
	require.NoError(t, err)
	assert.True(t, in)
}
