package interfaces

import (
	"context"
	"time"
)

// EventType identifies a progress event category.
type EventType string

const (
	EventJobUpdate   EventType = "job_update"
	EventBatchUpdate EventType = "batch_update"
)

// Event is a progress notification pushed to UI subscribers. The polling
// status API remains the source of truth; events only reduce chatter.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventService is a lightweight pub/sub used to fan job/batch progress out to
// the WebSocket layer.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
}
