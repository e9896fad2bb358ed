// Package bus provides event bus abstractions for the hub.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
	// Dropped returns the number of events dropped for this subscription
	// because its buffer was full (overflow policy: drop-oldest).
	Dropped() uint64
}

// EventBus is the publish/subscribe contract described in spec §4.5.
//
// Publish never blocks the producer. Each subscription owns a bounded
// buffer (default 1024 events); when a slow subscriber's buffer fills,
// the oldest buffered event is dropped to make room and a per-subscription
// counter is incremented. Per-subject ordering is preserved to every
// subscriber that observes the events; ordering across subjects is not
// guaranteed.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Supports
	// NATS-style wildcards: "*" matches one token, ">" matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
