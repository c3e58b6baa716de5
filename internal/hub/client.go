package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client represents a WebSocket connection
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	// pinned is the identity resolved on the upgrade request, if any
	pinned string

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, buffer int, pinned string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, buffer),
		pinned: pinned,
	}
}

// enqueue hands a frame to the write pump without blocking.
// It returns false if the buffer is full or the client is closed.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(eventType string, payload any) {
	data, err := json.Marshal(Frame{Type: eventType, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(EventError, ErrorEvent{Message: "malformed frame"})
			continue
		}
		h.handleFrame(c, frame)
	}
}

func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
