package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// clientMessage is what a client sends: subscribe or unsubscribe to a project.
type clientMessage struct {
	Action    string `json:"action"`
	ProjectID string `json:"projectId"`
}

// Client is a single WebSocket connection.
type Client struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(id, userID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id), zap.String("user_id", userID)),
	}
}

// ReadPump consumes subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(serverMessage{Type: "error", Error: "invalid message format"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg clientMessage) {
	if msg.ProjectID == "" {
		c.reply(serverMessage{Type: "error", Action: msg.Action, Error: "projectId is required"})
		return
	}
	switch msg.Action {
	case "subscribe":
		c.hub.Subscribe(c, msg.ProjectID)
	case "unsubscribe":
		c.hub.Unsubscribe(c, msg.ProjectID)
	default:
		c.reply(serverMessage{Type: "error", Action: msg.Action, Error: "unknown action"})
		return
	}
	c.reply(serverMessage{Type: "ack", Action: msg.Action, ProjectID: msg.ProjectID})
}

func (c *Client) reply(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue hands a frame to the write pump, dropping when the client cannot
// keep up.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// WritePump drains the send queue onto the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
