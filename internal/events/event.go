// Package events emits schema-checked decision events. The Event struct is
// the whole schema: it has no field that could carry free text, sanitized
// text or a principal id, and every value is validated before any sink sees
// it.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/outcome"
)

// SchemaVersion is bumped on any incompatible Event change.
const SchemaVersion = 1

// Name identifies an event.
type Name string

const (
	MoodSubmitted     Name = "mood_submitted"
	ModerationFlagged Name = "moderation_flagged"
	MessageSubmitted  Name = "message_submitted"
	MatchDecision     Name = "match_decision"
	DeliveryAttempted Name = "delivery_attempted"
	Acknowledgement   Name = "acknowledgement"
)

// Event is a single emission.
type Event struct {
	Name    Name      `json:"name" validate:"required,oneof=mood_submitted moderation_flagged message_submitted match_decision delivery_attempted acknowledgement"`
	Version int       `json:"v" validate:"eq=1"`
	At      time.Time `json:"at" validate:"required"`

	Valence       string `json:"valence,omitempty" validate:"omitempty,oneof=negative neutral positive"`
	Intensity     string `json:"intensity,omitempty" validate:"omitempty,oneof=low medium high"`
	ThemeCount    int    `json:"theme_count" validate:"gte=0,lte=3"`
	RiskLevel     int    `json:"risk_level" validate:"gte=0,lte=2"`
	IdentityLeak  bool   `json:"identity_leak"`
	CategoryCount int    `json:"category_count" validate:"gte=0,lte=5"`

	Outcome  string `json:"outcome,omitempty" validate:"omitempty,oneof=DELIVER HOLD CRISIS_BLOCK"`
	Mode     string `json:"mode,omitempty" validate:"omitempty,oneof=HOLD BRIDGE_SYSTEM DELIVER_PEER"`
	Reason   string `json:"reason,omitempty" validate:"omitempty,reason"`
	PoolSize int    `json:"pool_size" validate:"gte=0"`
	Relaxed  bool   `json:"relaxed"`

	Queued    bool   `json:"queued"`
	Reaction  string `json:"reaction,omitempty" validate:"omitempty,oneof=thanks felt_this hug not_for_me"`
	AckStatus string `json:"ack_status,omitempty" validate:"omitempty,oneof=recorded already_recorded"`
}

// New stamps name, version and time.
func New(name Name, at time.Time) Event {
	return Event{Name: name, Version: SchemaVersion, At: at.UTC()}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Reasons come from the closed enumeration only.
	_ = v.RegisterValidation("reason", func(fl validator.FieldLevel) bool {
		return outcome.Reason(fl.Field().String()).Valid()
	})
	return v
}

// ErrSchema is returned for events that fail validation.
var ErrSchema = errors.New("event failed schema validation")

// Validate checks e against the schema.
func Validate(e Event) error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s rule %s", ErrSchema, verrs[0].StructField(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// Sink receives validated events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Publisher validates events and fans them out. Sink failures are logged
// and counted but never returned; emission must not block a submission.
type Publisher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewPublisher creates a Publisher over sinks.
func NewPublisher(logger *slog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks, logger: logger}
}

// Emit validates e and hands it to every sink. Only a schema failure is
// returned.
func (p *Publisher) Emit(ctx context.Context, e Event) error {
	if err := Validate(e); err != nil {
		metrics.RecordEvent(string(e.Name), "invalid")
		p.logger.Error("event rejected", "event", e.Name, "error", err)
		return err
	}
	for _, s := range p.sinks {
		if err := s.Emit(ctx, e); err != nil {
			metrics.RecordEvent(string(e.Name), "sink_error")
			p.logger.Warn("event sink failed", "event", e.Name, "error", err)
			continue
		}
		metrics.RecordEvent(string(e.Name), "ok")
	}
	return nil
}
