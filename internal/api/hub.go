// Package api exposes the event log and live event feed over HTTP.
package api

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

// Hub fans bus events out to connected websocket clients.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu  sync.RWMutex
	sub bus.Subscription
	log *logger.Logger
}

// NewHub creates a websocket hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		log:        log.WithFields(zap.String("component", "ws-hub")),
	}
}

// AttachBus subscribes the hub to every event kind on the bus.
func (h *Hub) AttachBus(b bus.Bus) error {
	sub, err := b.SubscribeAll(func(_ context.Context, event *events.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			h.log.Error("failed to marshal event for broadcast", zap.Error(err))
			return
		}
		h.Broadcast(data)
	})
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Broadcast queues a payload for all clients. A full hub queue drops the
// payload rather than blocking the publisher.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast queue full, dropping event")
	}
}

// Run processes registrations and broadcasts until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.remove(client)

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer: drop the connection, not the hub.
					go h.Unregister(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.log.Debug("client removed", zap.String("client_id", client.ID))
	}
}

func (h *Hub) closeAll() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
