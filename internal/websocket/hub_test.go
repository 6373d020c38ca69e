package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-gateway/internal/data"
)

func TestHub_BroadcastIsTenantScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	north := &Client{Hub: hub, Send: make(chan []byte, 4), Tenant: "north"}
	south := &Client{Hub: hub, Send: make(chan []byte, 4), Tenant: "south"}
	hub.RegisterClient(north)
	hub.RegisterClient(south)
	require.Equal(t, 2, hub.Clients())

	hub.Broadcast("north", data.AlertEvent{AlertID: "a-1", Severity: data.SeverityCritical})

	select {
	case msg := <-north.Send:
		var got struct {
			Type    string          `json:"type"`
			Payload data.AlertEvent `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "alert", got.Type)
		assert.Equal(t, "a-1", got.Payload.AlertID)
		assert.Equal(t, data.SeverityCritical, got.Payload.Severity)
	case <-time.After(time.Second):
		t.Fatal("north observer got nothing")
	}

	// a round trip through Run guarantees the broadcast was handled
	hub.Clients()
	assert.Empty(t, south.Send)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &Client{Hub: hub, Send: make(chan []byte), Tenant: "north"}
	hub.RegisterClient(slow)
	hub.Broadcast("north", data.AlertEvent{AlertID: "a-1"})

	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-slow.Send
	assert.False(t, open)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := &Client{Hub: hub, Send: make(chan []byte, 1), Tenant: "north"}
	hub.RegisterClient(c)
	cancel()

	_, open := <-c.Send
	assert.False(t, open)
	assert.Zero(t, hub.Clients())
}
