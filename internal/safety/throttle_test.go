package safety

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/hush/internal/kv"
	"github.com/albapepper/hush/internal/outcome"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func TestLeakThrottleShadowThenHard(t *testing.T) {
	store := kv.NewMemoryStore().WithClock(func() time.Time { return testNow })
	th := NewLeakThrottle(store, ThrottleConfig{
		HardLimit:       3,
		HardWindow:      time.Hour,
		ShadowThreshold: 2,
		ShadowWindow:    24 * time.Hour,
	}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	reason, err := th.Check(ctx, "p1", testNow)
	require.NoError(t, err)
	assert.Equal(t, outcome.ReasonNone, reason)

	for i := 0; i < 2; i++ {
		reason, err = th.Check(ctx, "p1", testNow)
		require.NoError(t, err)
		assert.Equal(t, outcome.ReasonIdentityLeakThrottled, reason)
	}

	_, err = th.Check(ctx, "p1", testNow)
	assert.ErrorIs(t, err, outcome.ErrRateLimited)

	reason, err = th.Check(ctx, "p2", testNow)
	require.NoError(t, err)
	assert.Equal(t, outcome.ReasonNone, reason, "counters are per principal")
}

func TestLeakThrottleFailsClosed(t *testing.T) {
	store := kv.NewMemoryStore()
	store.SetDown(true)
	th := NewLeakThrottle(store, DefaultThrottleConfig(), slog.New(slog.DiscardHandler))

	_, err := th.Check(context.Background(), "p1", testNow)
	assert.ErrorIs(t, err, outcome.ErrRateLimited)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	store := kv.NewMemoryStore()
	store.SetDown(true)
	l := NewRateLimiter(store, RateLimitConfig{Requests: 1, Window: time.Minute}, slog.New(slog.DiscardHandler))

	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Allow(context.Background(), "message", "p1", testNow))
	}
}

func TestRateLimiterWindow(t *testing.T) {
	store := kv.NewMemoryStore().WithClock(func() time.Time { return testNow })
	l := NewRateLimiter(store, RateLimitConfig{Requests: 2, Window: time.Minute}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	assert.NoError(t, l.Allow(ctx, "message", "p1", testNow))
	assert.NoError(t, l.Allow(ctx, "message", "p1", testNow))
	assert.ErrorIs(t, l.Allow(ctx, "message", "p1", testNow), outcome.ErrRateLimited)
	assert.NoError(t, l.Allow(ctx, "mood", "p1", testNow), "actions are counted separately")
	assert.NoError(t, l.Allow(ctx, "message", "p1", testNow.Add(time.Minute)), "next window")
}

func TestActorHash(t *testing.T) {
	a := ActorHash([]byte("secret"), "principal-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ActorHash([]byte("secret"), "principal-1"))
	assert.NotEqual(t, a, ActorHash([]byte("other"), "principal-1"))
	assert.NotContains(t, a, "principal-1")
}
