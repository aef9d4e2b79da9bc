// Package audit records security events keyed by an HMAC actor hash. It is
// best-effort: failures are logged and swallowed so they never block the
// primary flow.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/store"
)

// Event kinds.
const (
	KindIdentityLeak      = "identity_leak"
	KindLeakThrottled     = "identity_leak_throttled"
	KindCrisis            = "crisis"
	KindSecondTouchLeak   = "second_touch_identity_leak"
	KindSecondTouchCrisis = "second_touch_crisis"
)

// Recorder writes SecurityEvents.
type Recorder struct {
	store  store.SecurityStore
	secret []byte
	logger *slog.Logger
}

// New creates a Recorder. secret is the server-side HMAC key.
func New(s store.SecurityStore, secret []byte, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, secret: secret, logger: logger}
}

// Record stores one event for principal. It never returns an error.
func (r *Recorder) Record(ctx context.Context, principal, kind string, categories int, at time.Time) {
	if r == nil || r.store == nil {
		return
	}
	err := r.store.RecordSecurityEvent(ctx, store.SecurityEvent{
		ActorHash:  safety.ActorHash(r.secret, principal),
		Kind:       kind,
		Categories: categories,
		CreatedAt:  at,
	})
	if err != nil {
		r.logger.Warn("security event dropped", "kind", kind, "error", err)
	}
}
