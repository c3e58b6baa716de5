package hub

import (
	"encoding/json"
	"time"

	"booklend/internal/models"
)

// Server to client event types
const (
	EventNewMessage          = "new_message"
	EventNewConversation     = "new_conversation"
	EventConversationUpdated = "conversation_updated"
	EventMessagesRead        = "messages_read"
	EventLoanRequest         = "loan_request"
	EventLoanAccepted        = "loan_accepted"
	EventLoanRejected        = "loan_rejected"
	EventLoanExpired         = "loan_expired"
	EventBookReturned        = "book_returned"

	EventAuthenticated = "authenticated"
	EventJoined        = "joined"
	EventError         = "error"
)

// Client to server event types
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMarkAsRead        = "mark_as_read"
)

// Frame is the envelope of every outgoing event
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AuthenticatePayload is sent by clients to bind the connection to a user
type AuthenticatePayload struct {
	UserID string `json:"user_id"`
}

// ConversationPayload addresses a conversation room
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

// ConversationEvent is delivered on new_conversation and conversation_updated
type ConversationEvent struct {
	ConversationID   string                 `json:"conversation_id"`
	OtherParticipant string                 `json:"other_participant"`
	LastMessage      *models.MessagePreview `json:"last_message,omitempty"`
	UnreadCount      int                    `json:"unread_count"`
	BookContext      *models.BookContext    `json:"book_context,omitempty"`
}

// MessagesReadEvent is delivered to a room when a participant reads it
type MessagesReadEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Count          int    `json:"count"`
}

// LoanEvent is delivered on every lending notification
type LoanEvent struct {
	BookID     string     `json:"book_id"`
	BookTitle  string     `json:"book_title"`
	ActorID    string     `json:"actor_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// ErrorEvent reports a refused client request on the same connection
type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
