package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/interfaces"
)

// Service implements EventService with an in-process pub/sub. Handlers run
// asynchronously; a slow WebSocket subscriber must never stall the pipeline.
type Service struct {
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service.
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// Publish sends an event to all subscribers asynchronously.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	handlers := s.subscribers[event.Type]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	for _, handler := range handlers {
		go func(h interfaces.EventHandler) {
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		}(handler)
	}

	return nil
}

// Close drops all subscribers.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	return nil
}
