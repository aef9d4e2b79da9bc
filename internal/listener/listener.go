// Package listener provides a Postgres LISTEN/NOTIFY consumer that wakes the
// ghost scheduler as soon as a message is queued. It holds a dedicated pgx
// connection (not from the pool) listening on db.NotifyChannel.
//
// Notifications are only a latency hint. The scheduler's poll interval and
// the maintenance catch-up ticker still deliver everything if a NOTIFY is
// lost while the connection is down.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/albapepper/hush/internal/db"
)

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// waiter is the part of *pgx.Conn the consume loop needs.
type waiter interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Start opens a dedicated connection and listens on db.NotifyChannel,
// calling wake for every notification. It reconnects automatically on
// connection loss. Blocks until ctx is cancelled.
func Start(ctx context.Context, dbURL string, wake func(), logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, wake, logger)
		if ctx.Err() != nil {
			logger.Info("Delivery listener stopped (context cancelled)")
			return
		}

		logger.Error("Delivery listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, wake func(), logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{db.NotifyChannel}.Sanitize())
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", db.NotifyChannel, err)
	}
	logger.Info("Delivery listener connected", "channel", db.NotifyChannel)

	return consume(ctx, conn, wake, logger)
}

// consume calls wake once per notification until w fails. The scheduler
// coalesces wake-ups, so a burst of inserts costs one tick.
func consume(ctx context.Context, w waiter, wake func(), logger *slog.Logger) error {
	for {
		n, err := w.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Channel != db.NotifyChannel {
			continue
		}
		logger.Debug("Message queued notification", "deliver_at", n.Payload)
		wake()
	}
}
