package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStoreFromClient(rdb, "test:"), mr
}

func TestMemoryIncrWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore().WithClock(c.now)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	c.advance(61 * time.Second)
	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "window restarts after expiry")
}

func TestMemorySetNX(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore().WithClock(c.now)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "cooldown:a:b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "cooldown:a:b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	c.advance(time.Hour)
	ok, err = s.SetNX(ctx, "cooldown:a:b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, s.Evict())
}

func TestMemoryDown(t *testing.T) {
	s := NewMemoryStore()
	s.SetDown(true)
	ctx := context.Background()

	_, err := s.Incr(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.SetNX(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}

func TestMemorySetNXConcurrent(t *testing.T) {
	s := NewMemoryStore()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(context.Background(), "once", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisIncrSetsTTLOnce(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "leak:p1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(30 * time.Second)
	n, err = s.Incr(ctx, "leak:p1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The second increment must not push the expiry out.
	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("test:leak:p1"))
}

func TestRedisSetNX(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "cooldown:a:b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "cooldown:a:b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Hour)
	ok, err = s.SetNX(ctx, "cooldown:a:b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()

	_, err := s.Incr(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.SetNX(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}
