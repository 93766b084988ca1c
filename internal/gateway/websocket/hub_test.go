package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/events/bus"
)

func newTestHub(t *testing.T) (*Hub, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	hub := NewHub(eventBus, log)
	require.NoError(t, hub.Start())
	t.Cleanup(func() {
		hub.Stop()
		eventBus.Close()
	})
	return hub, eventBus
}

func newTestClient(hub *Hub) *Client {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewClient("test-client", "u1", nil, hub, log)
}

func receive(t *testing.T, c *Client) serverMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg serverMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return serverMessage{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRelaysProjectScopedEvents(t *testing.T) {
	hub, eventBus := newTestHub(t)
	client := newTestClient(hub)
	hub.Register(client)
	hub.Subscribe(client, "p1")

	ev := bus.NewEvent("workspace.ready", "workspace", map[string]any{"projectId": "p1"})
	require.NoError(t, eventBus.Publish(context.Background(), "workspace.ready", ev))

	msg := receive(t, client)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "p1", msg.ProjectID)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "workspace.ready", msg.Event.Type)
}

func TestHubSkipsUnsubscribedProjects(t *testing.T) {
	hub, eventBus := newTestHub(t)
	client := newTestClient(hub)
	hub.Register(client)
	hub.Subscribe(client, "p1")

	ev := bus.NewEvent("file.changed", "workspace", map[string]any{"projectId": "p2", "path": "a.ts"})
	require.NoError(t, eventBus.Publish(context.Background(), "file.changed", ev))

	assertSilent(t, client)
}

func TestHubBroadcastsUnscopedEvents(t *testing.T) {
	hub, eventBus := newTestHub(t)
	client := newTestClient(hub)
	hub.Register(client)

	ev := bus.NewEvent("usage.recorded", "agent", map[string]any{"userId": "u1"})
	require.NoError(t, eventBus.Publish(context.Background(), "usage.recorded", ev))

	msg := receive(t, client)
	assert.Equal(t, "event", msg.Type)
	assert.Empty(t, msg.ProjectID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, eventBus := newTestHub(t)
	client := newTestClient(hub)
	hub.Register(client)
	hub.Subscribe(client, "p1")
	require.Equal(t, 1, hub.subscriberCount("p1"))

	hub.Unsubscribe(client, "p1")
	assert.Equal(t, 0, hub.subscriberCount("p1"))

	ev := bus.NewEvent("agent.run.started", "agent", map[string]any{"projectId": "p1"})
	require.NoError(t, eventBus.Publish(context.Background(), "agent.run.started", ev))
	assertSilent(t, client)
}

func TestUnregisterDropsSubscriptions(t *testing.T) {
	hub, _ := newTestHub(t)
	client := newTestClient(hub)
	hub.Register(client)
	hub.Subscribe(client, "p1")
	hub.Subscribe(client, "p2")

	hub.Unregister(client)
	assert.Equal(t, 0, hub.subscriberCount("p1"))
	assert.Equal(t, 0, hub.subscriberCount("p2"))

	// The send channel is closed so the write pump exits.
	_, open := <-client.send
	assert.False(t, open)
}

func TestClientHandleValidation(t *testing.T) {
	hub, _ := newTestHub(t)
	client := newTestClient(hub)
	hub.Register(client)

	client.handle(clientMessage{Action: "subscribe", ProjectID: "p1"})
	msg := receive(t, client)
	assert.Equal(t, "ack", msg.Type)
	assert.Equal(t, 1, hub.subscriberCount("p1"))

	client.handle(clientMessage{Action: "subscribe"})
	msg = receive(t, client)
	assert.Equal(t, "error", msg.Type)

	client.handle(clientMessage{Action: "dance", ProjectID: "p1"})
	msg = receive(t, client)
	assert.Equal(t, "error", msg.Type)
}
