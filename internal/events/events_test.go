package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func TestValidate(t *testing.T) {
	ok := New(MatchDecision, at)
	ok.Outcome, ok.Mode, ok.Reason = "HOLD", "BRIDGE_SYSTEM", "insufficient_pool"
	require.NoError(t, Validate(ok))

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"unknown name", func(e *Event) { e.Name = "user_profile" }},
		{"wrong version", func(e *Event) { e.Version = 2 }},
		{"missing time", func(e *Event) { e.At = time.Time{} }},
		{"free-form reason", func(e *Event) { e.Reason = "sender said hi" }},
		{"bad outcome", func(e *Event) { e.Outcome = "MAYBE" }},
		{"too many themes", func(e *Event) { e.ThemeCount = 4 }},
		{"bad reaction", func(e *Event) { e.Reaction = "lol" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := ok
			tc.mutate(&e)
			assert.ErrorIs(t, Validate(e), ErrSchema)
		})
	}
}

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return assert.AnError }

func TestPublisherFansOutAndSwallowsSinkErrors(t *testing.T) {
	rec := &Recorder{}
	p := NewPublisher(slog.New(slog.DiscardHandler), failingSink{}, rec, NewLogSink(slog.New(slog.DiscardHandler)))

	require.NoError(t, p.Emit(context.Background(), New(MoodSubmitted, at)))
	assert.Len(t, rec.Named(MoodSubmitted), 1)

	bad := New(MoodSubmitted, at)
	bad.Valence = "ecstatic"
	assert.ErrorIs(t, p.Emit(context.Background(), bad), ErrSchema)
	assert.Len(t, rec.Events(), 1)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkPayload(t *testing.T) {
	w := &fakeWriter{}
	s := &KafkaSink{writer: w, topic: "t"}

	e := New(Acknowledgement, at)
	e.Reaction, e.AckStatus = "hug", "recorded"
	require.NoError(t, s.Emit(context.Background(), e))
	require.NoError(t, s.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acknowledgement", string(w.msgs[0].Key))
	assert.True(t, w.closed)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "hug", got["reaction"])
	for _, k := range []string{"text", "sender_id", "recipient_id", "principal"} {
		assert.NotContains(t, got, k)
	}
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)

	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, "hush.events", s.topic)
}
