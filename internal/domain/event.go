package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventSessionSelected EventType = "session.selected"
	EventSessionDeleted  EventType = "session.deleted"

	EventStreamStarted   EventType = "stream.started"
	EventStreamDelta     EventType = "stream.delta"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamError     EventType = "stream.error"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// StreamDeltaPayload is the payload for EventStreamDelta events.
// Published for each incremental fragment during a streaming response.
type StreamDeltaPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
type StreamCompletedPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// StreamErrorPayload is the payload for EventStreamError events.
// Published when a streaming response fails at open time or mid-stream.
type StreamErrorPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
}
