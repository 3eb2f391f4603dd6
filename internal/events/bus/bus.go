// Package bus provides the transition event bus. Sessions, tasks, and
// plans publish their state changes here; the lifecycle loop and
// notifiers consume them.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the transition bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh UUID and a UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transition bus contract. The in-memory backend is the
// default; a NATS backend takes over when events.natsUrl is configured.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
