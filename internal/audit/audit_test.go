package audit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/hush/internal/safety"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/store/memory"
)

type brokenStore struct{}

func (brokenStore) RecordSecurityEvent(context.Context, store.SecurityEvent) error {
	return assert.AnError
}

func TestRecordHashesActor(t *testing.T) {
	repo := memory.New(store.DefaultPolicy())
	secret := []byte("k")
	r := New(repo, secret, slog.New(slog.DiscardHandler))
	at := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	r.Record(context.Background(), "alice", KindIdentityLeak, 2, at)

	events := repo.SecurityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, safety.ActorHash(secret, "alice"), events[0].ActorHash)
	assert.NotContains(t, events[0].ActorHash, "alice")
	assert.Equal(t, 2, events[0].Categories)
}

func TestRecordSwallowsFailures(t *testing.T) {
	r := New(brokenStore{}, []byte("k"), slog.New(slog.DiscardHandler))
	assert.NotPanics(t, func() {
		r.Record(context.Background(), "alice", KindCrisis, 0, time.Now())
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() {
		nilRecorder.Record(context.Background(), "alice", KindCrisis, 0, time.Now())
	})
}
