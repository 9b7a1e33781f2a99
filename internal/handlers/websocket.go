package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope broadcast to WebSocket clients.
type WSMessage struct {
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// WebSocketHandler pushes job and batch progress events to connected UI
// clients. Events are advisory; a dropped connection loses nothing the
// status API cannot recover.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	allowedEvents    map[string]bool // empty = allow all
	serverInstanceID string          // clients use this to detect server restart
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
	}

	if eventService != nil {
		for _, t := range []interfaces.EventType{interfaces.EventJobUpdate, interfaces.EventBatchUpdate} {
			eventType := t
			if err := eventService.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
				h.Broadcast(string(event.Type), event.Payload)
				return nil
			}); err != nil {
				logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Event subscription failed")
			}
		}
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

	h.writeTo(conn, &WSMessage{
		Type:      "hello",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   map[string]interface{}{"serverInstanceId": h.serverInstanceID},
	})

	// Reader loop only drains control frames; this is a push-only socket.
	go func() {
		defer h.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends an event to every connected client, honoring the
// allowed-events whitelist.
func (h *WebSocketHandler) Broadcast(eventType string, payload map[string]interface{}) {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[eventType] {
		return
	}

	msg := &WSMessage{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.writeTo(conn, msg)
	}
}

// writeTo serializes writes per connection; gorilla connections do not allow
// concurrent writers.
func (h *WebSocketHandler) writeTo(conn *websocket.Conn, msg *WSMessage) {
	h.mu.RLock()
	mu := h.clientMutex[conn]
	h.mu.RUnlock()
	if mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		go h.dropClient(conn)
	}
}

func (h *WebSocketHandler) dropClient(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	count := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")
}
