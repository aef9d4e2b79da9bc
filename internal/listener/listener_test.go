package listener

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/hush/internal/db"
)

type scriptedWaiter struct {
	notes []*pgconn.Notification
	err   error
}

func (s *scriptedWaiter) WaitForNotification(context.Context) (*pgconn.Notification, error) {
	if len(s.notes) == 0 {
		return nil, s.err
	}
	n := s.notes[0]
	s.notes = s.notes[1:]
	return n, nil
}

func TestConsumeWakesPerNotification(t *testing.T) {
	dropped := errors.New("conn closed")
	w := &scriptedWaiter{
		notes: []*pgconn.Notification{
			{Channel: db.NotifyChannel, Payload: "2026-10-14 15:15:00+00"},
			{Channel: "other", Payload: "x"},
			{Channel: db.NotifyChannel, Payload: "2026-10-14 15:16:00+00"},
		},
		err: dropped,
	}
	wakes := 0
	err := consume(context.Background(), w, func() { wakes++ }, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, err, dropped)
	assert.Equal(t, 2, wakes)
}

func TestStartReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nothing listens on this port; the first connect fails and Start
		// waits out the backoff until cancelled.
		Start(ctx, "postgres://hush@127.0.0.1:1/hush?connect_timeout=1", func() {}, slog.New(slog.DiscardHandler))
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
