// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"telemetry-gateway/internal/data"
)

type envelope struct {
	tenant  string
	message []byte
}

// Hub maintains the set of active clients per tenant and broadcasts alert
// events to the clients of the alert's tenant only.
type Hub struct {
	clients    map[string]map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
	logger     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					close(client.Send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return

		case client := <-h.register:
			set, ok := h.clients[client.Tenant]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.Tenant] = set
			}
			set[client] = true
			h.logger.Info().Str("tenant", client.Tenant).Str("remote", client.remote()).Msg("WebSocket client registered")

		case client := <-h.unregister:
			h.remove(client)

		case env := <-h.broadcast:
			for client := range h.clients[env.tenant] {
				select {
				case client.Send <- env.message:
				default:
					h.logger.Warn().Str("remote", client.remote()).Msg("WebSocket client send buffer full, removing")
					h.remove(client)
				}
			}

		case reply := <-h.count:
			n := 0
			for _, set := range h.clients {
				n += len(set)
			}
			reply <- n
		}
	}
}

func (h *Hub) remove(client *Client) {
	set := h.clients[client.Tenant]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.Tenant)
	}
	close(client.Send)
	h.logger.Info().Str("tenant", client.Tenant).Str("remote", client.remote()).Msg("WebSocket client unregistered")
}

// RegisterClient safely registers a new client to the hub
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Broadcast queues an alert event for the tenant's observers. It never
// blocks the caller; events are dropped when the hub is saturated.
func (h *Hub) Broadcast(tenantID string, ev data.AlertEvent) {
	messageBytes, err := json.Marshal(map[string]interface{}{"type": "alert", "payload": ev})
	if err != nil {
		h.logger.Error().Err(err).Msg("Error marshalling alert for broadcast")
		return
	}
	select {
	case h.broadcast <- envelope{tenant: tenantID, message: messageBytes}:
	default:
		h.logger.Warn().Str("alert_id", ev.AlertID).Msg("WebSocket broadcast queue full, event dropped")
	}
}
