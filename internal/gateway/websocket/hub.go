// Package websocket pushes workspace and agent events to connected clients.
// Clients subscribe to project IDs; the hub relays matching bus events as
// JSON notifications.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/events/bus"
)

// Subjects the hub relays to clients.
var relaySubjects = []string{"workspace.>", "file.changed", "agent.run.>", "usage.recorded"}

// serverMessage is the wire format pushed to clients.
type serverMessage struct {
	Type      string     `json:"type"` // ack | error | event
	Action    string     `json:"action,omitempty"`
	ProjectID string     `json:"projectId,omitempty"`
	Event     *bus.Event `json:"event,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Hub tracks connected clients and their project subscriptions.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.RWMutex
	clients  map[*Client]bool
	projects map[string]map[*Client]bool
	subs     []bus.Subscription
}

// NewHub builds a hub over the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "ws_hub")),
		clients:  make(map[*Client]bool),
		projects: make(map[string]map[*Client]bool),
	}
}

// Start subscribes the hub to the relayed bus subjects.
func (h *Hub) Start() error {
	for _, subject := range relaySubjects {
		sub, err := h.bus.Subscribe(subject, h.relay)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	h.logger.Info("websocket hub started", zap.Int("subjects", len(relaySubjects)))
	return nil
}

// Stop drops bus subscriptions and disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
	h.logger.Info("websocket hub stopped")
}

// relay fans a bus event out to clients subscribed to its project.
func (h *Hub) relay(ctx context.Context, event *bus.Event) error {
	projectID, _ := event.Data["projectId"].(string)
	if projectID == "" {
		// Events without a project scope (for example usage.recorded) go to
		// every connected client.
		h.broadcastAll(event)
		return nil
	}

	payload, err := json.Marshal(serverMessage{Type: "event", ProjectID: projectID, Event: event})
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.projects[projectID]))
	for c := range h.projects[projectID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
	return nil
}

func (h *Hub) broadcastAll(event *bus.Event) {
	payload, err := json.Marshal(serverMessage{Type: "event", Event: event})
	if err != nil {
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(payload)
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID))
}

// Unregister removes a client and all its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for projectID, set := range h.projects {
		delete(set, c)
		if len(set) == 0 {
			delete(h.projects, projectID)
		}
	}
	h.mu.Unlock()

	c.close()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

// Subscribe adds a client to a project's broadcast set.
func (h *Hub) Subscribe(c *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.projects[projectID]
	if !ok {
		set = make(map[*Client]bool)
		h.projects[projectID] = set
	}
	set[c] = true
}

// Unsubscribe removes a client from a project's broadcast set.
func (h *Hub) Unsubscribe(c *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.projects[projectID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.projects, projectID)
		}
	}
}

// subscriberCount reports how many clients watch a project. Test hook.
func (h *Hub) subscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.projects[projectID])
}
