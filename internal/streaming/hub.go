package streaming

import (
	"context"

	"github.com/rendis/taskflow/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	TaskID     string   `json:"task_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(schema.Event)

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

// AllEvents registers a handler for every event type.
const AllEvents = "*"

// EventHub provides pub/sub for workflow and task events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
	On(eventType string, h Handler) HandlerID
	Off(id HandlerID)
}
