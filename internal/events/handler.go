package events

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops server is an internal surface; origin enforcement belongs
	// to the fronting proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades an ops-server request into an event stream client.
func Handler(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}
		client := NewClient(hub, conn, logger)
		go client.WritePump()
		go client.ReadPump()
	}
}
