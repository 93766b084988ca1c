package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers cannot set custom headers on WebSocket connects; origin policy
	// is enforced by the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the gin handler that upgrades /ws connections and attaches
// them to the hub. The user is identified by header or query parameter.
func Handler(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			userID = c.Query("user")
		}
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing user identity"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), userID, conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
