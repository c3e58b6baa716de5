// Package hub delivers real-time events to WebSocket clients.
//
// Delivery is best effort and at most once: a frame for a user or room with
// no live connection, or for a connection whose buffer is full, is dropped.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tunes the connection keepalive and buffering
type Options struct {
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// CheckOrigin decides which browser origins may connect; nil allows all
	CheckOrigin func(r *http.Request) bool
}

// DefaultOptions returns the production keepalive settings
func DefaultOptions() Options {
	return Options{
		PingPeriod:     54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 4096,
	}
}

// Backend executes the ledger operations clients may trigger over the socket
type Backend interface {
	MarkRead(ctx context.Context, conversationID, userID string) error
	CanJoinConversation(ctx context.Context, conversationID, userID string) (bool, error)
}

// OfflineSink receives user-scoped events for users with no live connection
type OfflineSink interface {
	Deliver(userID, eventType string, payload any)
}

// Hub fans events out to the connections held in its Registry
type Hub struct {
	registry *Registry
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	backend Backend
	offline OfflineSink

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub over registry
func NewHub(registry *Registry, logger *zap.Logger, opts Options) *Hub {
	defaults := DefaultOptions()
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaults.PingPeriod
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry: registry,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetBackend attaches the ledger used by mark_as_read and join_conversation
func (h *Hub) SetBackend(b Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backend = b
}

// SetOfflineSink attaches a fallback for user events nobody is connected for
func (h *Hub) SetOfflineSink(s OfflineSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = s
}

func (h *Hub) getBackend() Backend {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend
}

func (h *Hub) getOffline() OfflineSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.offline
}

// Registry returns the connection registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// IsOnline reports whether userID has a live connection
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.Online(userID)
}

func (h *Hub) encode(eventType string, payload any) []byte {
	data, err := json.Marshal(Frame{Type: eventType, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", eventType), zap.Error(err))
		return nil
	}
	return data
}

func (h *Hub) deliver(clients []*Client, eventType string, data []byte) int {
	delivered := 0
	for _, c := range clients {
		if c.enqueue(data) {
			delivered++
			continue
		}
		h.logger.Debug("Dropped event", zap.String("type", eventType), zap.String("client_id", c.ID))
	}
	return delivered
}

// EmitToUser sends an event to every connection of userID
func (h *Hub) EmitToUser(userID, eventType string, payload any) {
	clients := h.registry.UserClients(userID)
	if len(clients) == 0 {
		if sink := h.getOffline(); sink != nil {
			sink.Deliver(userID, eventType, payload)
		}
		return
	}
	data := h.encode(eventType, payload)
	if data == nil {
		return
	}
	h.deliver(clients, eventType, data)
}

// EmitToRoom sends an event to every connection that joined the conversation
func (h *Hub) EmitToRoom(conversationID, eventType string, payload any) {
	clients := h.registry.RoomClients(conversationID)
	if len(clients) == 0 {
		return
	}
	data := h.encode(eventType, payload)
	if data == nil {
		return
	}
	h.deliver(clients, eventType, data)
}

// ServeWS upgrades the request. A non-empty userID authenticates the
// connection up front and pins it to that identity.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, h.opts.SendBuffer, userID)
	h.registry.Add(c)
	if userID != "" {
		h.registry.Authenticate(c, userID)
	}
	h.logger.Debug("Client connected", zap.String("client_id", c.ID), zap.String("user_id", userID))

	go c.writePump(h)
	go c.readPump(h)
}

func (h *Hub) disconnect(c *Client) {
	userID := h.registry.UserOf(c)
	if h.registry.Remove(c) {
		h.logger.Debug("Client disconnected", zap.String("client_id", c.ID), zap.String("user_id", userID))
	}
	c.close()
}

// Close drops every connection
func (h *Hub) Close() {
	h.cancel()
	for _, c := range h.registry.Clients() {
		h.registry.Remove(c)
		c.close()
	}
}

func (h *Hub) handleFrame(c *Client, frame inboundFrame) {
	switch frame.Type {
	case EventAuthenticate:
		var p AuthenticatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.UserID == "" {
			c.reply(EventError, ErrorEvent{Event: frame.Type, Message: "user_id is required"})
			return
		}
		if c.pinned != "" && p.UserID != c.pinned {
			h.logger.Debug("Ignored authenticate for another user",
				zap.String("client_id", c.ID), zap.String("pinned", c.pinned), zap.String("requested", p.UserID))
			c.reply(EventAuthenticated, AuthenticatePayload{UserID: c.pinned})
			return
		}
		h.registry.Authenticate(c, p.UserID)
		c.reply(EventAuthenticated, AuthenticatePayload{UserID: p.UserID})

	case EventJoinConversation:
		userID, p, ok := h.roomRequest(c, frame)
		if !ok {
			return
		}
		if !h.canJoin(userID, p.ConversationID) {
			c.reply(EventError, ErrorEvent{Event: frame.Type, Message: "conversation not found"})
			return
		}
		h.registry.Join(c, p.ConversationID)
		c.reply(EventJoined, ConversationPayload{ConversationID: p.ConversationID})

	case EventLeaveConversation:
		var p ConversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err == nil && p.ConversationID != "" {
			h.registry.Leave(c, p.ConversationID)
		}

	case EventMarkAsRead:
		userID, p, ok := h.roomRequest(c, frame)
		if !ok {
			return
		}
		backend := h.getBackend()
		if backend == nil {
			return
		}
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		defer cancel()
		if err := backend.MarkRead(ctx, p.ConversationID, userID); err != nil {
			h.logger.Debug("mark_as_read failed", zap.String("conversation_id", p.ConversationID),
				zap.String("user_id", userID), zap.Error(err))
			c.reply(EventError, ErrorEvent{Event: frame.Type, Message: "conversation not found"})
		}

	default:
		c.reply(EventError, ErrorEvent{Event: frame.Type, Message: "unknown event"})
	}
}

// roomRequest decodes a conversation-scoped request from an authenticated client
func (h *Hub) roomRequest(c *Client, frame inboundFrame) (string, ConversationPayload, bool) {
	userID := h.registry.UserOf(c)
	if userID == "" {
		c.reply(EventError, ErrorEvent{Event: frame.Type, Message: "not authenticated"})
		return "", ConversationPayload{}, false
	}
	var p ConversationPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ConversationID == "" {
		c.reply(EventError, ErrorEvent{Event: frame.Type, Message: "conversation_id is required"})
		return "", ConversationPayload{}, false
	}
	return userID, p, true
}

func (h *Hub) canJoin(userID, conversationID string) bool {
	backend := h.getBackend()
	if backend == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()

	ok, err := backend.CanJoinConversation(ctx, conversationID, userID)
	if err != nil {
		h.logger.Error("Failed to check conversation membership",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return ok
}
