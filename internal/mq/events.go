package mq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Routing keys of the domain events
const (
	EventReadingAccepted = "device.reading.accepted"
	EventCommandQueued   = "device.command.queued"
	EventCommandClaimed  = "device.command.claimed"
	EventDeviceClaimed   = "device.claimed"
)

// Event is published after a state change has been committed
type Event struct {
	ID         string         `json:"event_id"`
	Type       string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	RequestID  string         `json:"request_id,omitempty"`
	DeviceID   int64          `json:"device_id"`
	DeviceType string         `json:"device_type,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a fresh event id and time
func NewEvent(eventType string, deviceID int64, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		DeviceID:   deviceID,
		Data:       data,
	}
}

// EventPublisher emits domain events
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event; used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
