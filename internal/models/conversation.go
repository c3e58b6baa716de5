package models

import (
	"slices"
	"time"
)

// BookContext is the snapshot of the book that prompted a conversation.
// It is set once at creation and may go stale afterwards.
type BookContext struct {
	BookID   string `json:"book_id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	CoverURL string `json:"cover_url,omitempty"`
}

// MessagePreview is the denormalized last message of a conversation
type MessagePreview struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a two-party message thread
type Conversation struct {
	ID            string          `json:"id"`
	Participants  []string        `json:"participants"`
	LastMessage   *MessagePreview `json:"last_message,omitempty"`
	LastMessageAt time.Time       `json:"last_message_at"`
	UnreadCount   map[string]int  `json:"unread_count"`
	DeletedBy     []string        `json:"deleted_by"`
	BookContext   *BookContext    `json:"book_context,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int64           `json:"-"`
}

// Message is a single immutable message inside a conversation
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// PairKey returns the order-independent key of a participant pair
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// NewConversation creates an empty conversation between a and b
func NewConversation(id, a, b string, book *BookContext, now time.Time) *Conversation {
	return &Conversation{
		ID:            id,
		Participants:  []string{a, b},
		LastMessageAt: now,
		UnreadCount:   map[string]int{a: 0, b: 0},
		DeletedBy:     []string{},
		BookContext:   book,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// PairKey returns the pair key of the participants
func (c *Conversation) PairKey() string {
	if len(c.Participants) != 2 {
		return ""
	}
	return PairKey(c.Participants[0], c.Participants[1])
}

// HasParticipant reports whether userID takes part in the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// OtherParticipant returns the participant that is not userID
func (c *Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// VisibleTo reports whether userID is a participant who has not deleted the conversation
func (c *Conversation) VisibleTo(userID string) bool {
	return c.HasParticipant(userID) && !slices.Contains(c.DeletedBy, userID)
}

// Unread returns the unread counter of userID
func (c *Conversation) Unread(userID string) int {
	return c.UnreadCount[userID]
}

// RecordMessage updates the last message and increments the unread counter
// of every participant other than the sender.
func (c *Conversation) RecordMessage(m *Message) {
	c.LastMessage = &MessagePreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	c.LastMessageAt = m.CreatedAt
	c.UpdatedAt = m.CreatedAt
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	for _, p := range c.Participants {
		if p != m.SenderID {
			c.UnreadCount[p]++
		}
	}
}

// ResetUnread sets the unread counter of userID to zero
func (c *Conversation) ResetUnread(userID string) {
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[userID] = 0
}

// MarkDeleted adds userID to DeletedBy
func (c *Conversation) MarkDeleted(userID string) {
	if !slices.Contains(c.DeletedBy, userID) {
		c.DeletedBy = append(c.DeletedBy, userID)
	}
}

// Restore removes userID from DeletedBy. It reports whether anything changed.
func (c *Conversation) Restore(userID string) bool {
	i := slices.Index(c.DeletedBy, userID)
	if i < 0 {
		return false
	}
	c.DeletedBy = slices.Delete(c.DeletedBy, i, i+1)
	return true
}

// DeletedByAll reports whether every participant has deleted the conversation
func (c *Conversation) DeletedByAll() bool {
	for _, p := range c.Participants {
		if !slices.Contains(c.DeletedBy, p) {
			return false
		}
	}
	return len(c.Participants) > 0
}

// Clone returns a deep copy
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.DeletedBy = slices.Clone(c.DeletedBy)
	if out.DeletedBy == nil {
		out.DeletedBy = []string{}
	}
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.BookContext != nil {
		bc := *c.BookContext
		out.BookContext = &bc
	}
	return &out
}
