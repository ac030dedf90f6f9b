package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub fans pipeline envelopes out to websocket subscribers. Communication
// is one-way; subscriber reads are discarded.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	log     zerolog.Logger

	upgrader websocket.Upgrader
}

func NewHub(origins []string, log zerolog.Logger) *Hub {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Broadcast sends payload as JSON to every subscriber. Subscribers that
// fail a write are dropped.
func (h *Hub) Broadcast(payload any) {
	message, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast payload")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.Warn().Err(err).Msg("websocket write failed, dropping client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Clients reports the current subscriber count.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWs upgrades an HTTP request to a subscription.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
