package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Discard is an EventPublisher that drops every event.
var Discard EventPublisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, *Event) error { return nil }

// Payment attempt event types. The suffix is the attempt status.
const (
	EventAttemptCreated      = "payment.attempt.form"
	EventAttemptInitiated    = "payment.attempt.initiated"
	EventAttemptProcessing   = "payment.attempt.processing"
	EventAttemptCompleted    = "payment.attempt.completed"
	EventAttemptFailed       = "payment.attempt.failed"
	EventAttemptAbandoned    = "payment.attempt.abandoned"
	EventAttemptAcknowledged = "payment.attempt.acknowledged"
	EventAttemptRetried      = "payment.attempt.retried"

	// AttemptSubjects matches every payment attempt event.
	AttemptSubjects = "payment.attempt.>"
)

// AttemptEventType returns the event type for an attempt status.
func AttemptEventType(status string) string {
	return "payment.attempt." + status
}
