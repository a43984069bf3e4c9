package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventReceived carries one fully reassembled data-frame payload.
	EventReceived EventType = "event.received"

	// Connection lifecycle events.
	EventStateChanged    EventType = "conn.state"
	EventConfigUpdated   EventType = "conn.config_updated"
	EventFragmentEvicted EventType = "fragment.evicted"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Set for EventReceived.
	MessageID string `json:"message_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Service   int32  `json:"service,omitempty"`
	FrameType string `json:"frame_type,omitempty"` // "event", "data" or "card"
	EventID   string `json:"event_id,omitempty"`   // from the application envelope, if parseable
	EventKind string `json:"event_kind,omitempty"` // envelope header.event_type, if parseable
	Payload   []byte `json:"payload,omitempty"`    // opaque application payload
	ConnID    string `json:"conn_id,omitempty"`

	// Set for lifecycle events.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// Dispatcher is the boundary between the transport and whatever consumes
// decoded payloads. Dispatch must not block on handler execution; the
// returned error only reports that the event could not be accepted.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	Dispatcher
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
