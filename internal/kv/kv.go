// Package kv is the atomic expiring key-value store used for cross-request
// coordination: rate limits, leak-throttle counters and sender→recipient
// cooldowns. Every operation is a single atomic server-side step; callers
// never read-then-write.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport failures so callers can choose to fail open
// or closed.
var ErrUnavailable = errors.New("kv store unavailable")

// Store is implemented by RedisStore (production) and MemoryStore (tests).
type Store interface {
	// Incr atomically increments key and returns the new value. The expiry
	// is set only when the key is created, so the window starts at the first
	// increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetNX sets key with ttl only if it is absent. It reports whether this
	// call created the key.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping checks reachability.
	Ping(ctx context.Context) error
}
