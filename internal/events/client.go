package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// clientCommand is the only inbound message shape: topic subscription
// management.
type clientCommand struct {
	Action string  `json:"action"` // "subscribe" | "unsubscribe"
	Topics []Topic `json:"topics"`
}

// Client is one websocket subscriber.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan Event
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[Topic]bool
}

// NewClient wraps an upgraded connection and registers it with the hub.
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	c := &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan Event, sendBufferSize),
		logger: logger,
		topics: make(map[Topic]bool),
	}
	hub.register <- c
	return c
}

// subscribedTo reports whether the client wants events on topic. No
// explicit subscriptions means everything.
func (c *Client) subscribedTo(topic Topic) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	return c.topics[topic]
}

// ReadPump consumes subscription commands until the peer disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Events client read error",
					zap.String("client_id", c.id),
					zap.Error(err),
				)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Debug("Ignoring unparseable client command",
				zap.String("client_id", c.id),
				zap.Error(err),
			)
			continue
		}
		c.applyCommand(cmd)
	}
}

// WritePump streams events and keepalive pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.logger.Warn("Events client write failed",
					zap.String("client_id", c.id),
					zap.Error(err),
				)
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

func (c *Client) applyCommand(cmd clientCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Action {
	case "subscribe":
		for _, topic := range cmd.Topics {
			c.topics[topic] = true
		}
	case "unsubscribe":
		for _, topic := range cmd.Topics {
			delete(c.topics, topic)
		}
	default:
		c.logger.Debug("Unknown client command",
			zap.String("client_id", c.id),
			zap.String("action", cmd.Action),
		)
	}
}
