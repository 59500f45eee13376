package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent represents one row in the outbox_events table. An event is
// pending until exactly one of ProcessedAt or DeadLetteredAt is set; neither
// field is ever cleared once written.
type OutboxEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	DeadLetteredAt *time.Time      `json:"dead_lettered_at,omitempty"`
}

// Pending reports whether the event is still eligible for claiming.
func (e *OutboxEvent) Pending() bool {
	return e.ProcessedAt == nil && e.DeadLetteredAt == nil
}

// NewEvent creates a pending OutboxEvent with a fresh ID.
func NewEvent(eventType string, payload json.RawMessage) *OutboxEvent {
	return &OutboxEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
