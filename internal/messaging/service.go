// Package messaging maintains two-party conversations, their per-participant
// unread counters and soft-delete visibility.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"booklend/internal/apperr"
	"booklend/internal/hub"
	"booklend/internal/keylock"
	"booklend/internal/models"
	"booklend/internal/storage"
)

// MaxMessageLength is the longest message accepted, in characters
const MaxMessageLength = 5000

// ErrEmptyMessage is returned for empty or whitespace-only content
var ErrEmptyMessage = apperr.InvalidTransition("Message content cannot be empty")

// Store is the storage the ledger needs
type Store interface {
	storage.ConversationStore
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetBook(ctx context.Context, id string) (*models.Book, error)
}

// Notifier delivers real-time events
type Notifier interface {
	EmitToUser(userID, eventType string, payload any)
	EmitToRoom(conversationID, eventType string, payload any)
}

// Participant identifies the other side of a conversation
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Summary is a conversation as listed for one participant
type Summary struct {
	ID               string                 `json:"id"`
	OtherParticipant Participant            `json:"other_participant"`
	LastMessage      *models.MessagePreview `json:"last_message,omitempty"`
	LastMessageAt    time.Time              `json:"last_message_at"`
	UnreadCount      int                    `json:"unread_count"`
	BookContext      *models.BookContext    `json:"book_context,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Service implements the conversation ledger
type Service struct {
	store    Store
	notifier Notifier
	locks    *keylock.Map
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a ledger service
func NewService(store Store, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		locks:    keylock.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetOrCreateConversation returns the conversation between a and b as seen
// by a. A conversation a deleted is restored with its history; a new one
// carries book as context.
func (s *Service) GetOrCreateConversation(ctx context.Context, a, b string, book *models.BookContext) (*models.Conversation, error) {
	if a == "" || b == "" {
		return nil, apperr.Validation("Both participants are required")
	}
	if a == b {
		return nil, apperr.Validation("Cannot start a conversation with yourself")
	}

	unlock := s.locks.Lock("pair:" + models.PairKey(a, b))
	defer unlock()

	conv, err := s.store.FindConversationByPair(ctx, a, b)
	switch {
	case err == nil:
		if conv.VisibleTo(a) {
			return conv, nil
		}
		return s.mutate(ctx, conv.ID, func(c *models.Conversation) error {
			c.Restore(a)
			return nil
		})
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}

	conv = models.NewConversation(uuid.NewString(), a, b, book, s.now())
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// created concurrently by another process
			return s.store.FindConversationByPair(ctx, a, b)
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Debug("Conversation created", zap.String("conversation_id", conv.ID))
	return conv, nil
}

// mutate applies fn to a fresh copy of the conversation and writes it back
// with a compare-and-swap, retrying on conflicts. The caller must not hold
// the conversation lock.
func (s *Service) mutate(ctx context.Context, id string, fn func(c *models.Conversation) error) (*models.Conversation, error) {
	unlock := s.locks.Lock("conv:" + id)
	defer unlock()
	return s.mutateLocked(ctx, id, fn)
}

func (s *Service) mutateLocked(ctx context.Context, id string, fn func(c *models.Conversation) error) (*models.Conversation, error) {
	var out *models.Conversation
	err := storage.RetryOnConflict(ctx, func() error {
		conv, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(conv); err != nil {
			return err
		}
		if err := s.store.UpdateConversation(ctx, conv, conv.Version); err != nil {
			return err
		}
		out = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) loadVisible(ctx context.Context, id, userID string) (*models.Conversation, error) {
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.VisibleTo(userID) {
		return nil, apperr.NotFound("Conversation not found")
	}
	return conv, nil
}

// GetConversation returns the conversation if userID can see it
func (s *Service) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	return s.loadVisible(ctx, id, userID)
}

// CanJoinConversation reports whether userID may join the conversation room
func (s *Service) CanJoinConversation(ctx context.Context, id, userID string) (bool, error) {
	_, err := s.loadVisible(ctx, id, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SendMessage appends a message from senderID. The recipient's unread
// counter goes up by one and, if they had deleted the conversation, it
// becomes visible to them again.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return nil, apperr.Validation("Message exceeds %d characters", MaxMessageLength)
	}

	unlock := s.locks.Lock("conv:" + conversationID)
	defer unlock()

	conv, err := s.loadVisible(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	recipient := conv.OtherParticipant(senderID)

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var first, restored bool
	conv, err = s.mutateLocked(ctx, conversationID, func(c *models.Conversation) error {
		first = c.LastMessage == nil
		restored = c.Restore(recipient)
		c.RecordMessage(msg)
		return nil
	})
	if err != nil {
		if delErr := s.store.DeleteMessage(ctx, conversationID, msg.ID); delErr != nil {
			s.logger.Error("Failed to remove orphaned message", zap.String("message_id", msg.ID), zap.Error(delErr))
		}
		return nil, err
	}

	s.notifier.EmitToRoom(conv.ID, hub.EventNewMessage, msg)
	event := hub.ConversationEvent{
		ConversationID:   conv.ID,
		OtherParticipant: senderID,
		LastMessage:      conv.LastMessage,
		UnreadCount:      conv.Unread(recipient),
		BookContext:      conv.BookContext,
	}
	if first || restored {
		s.notifier.EmitToUser(recipient, hub.EventNewConversation, event)
	}
	s.notifier.EmitToUser(recipient, hub.EventConversationUpdated, event)

	return msg, nil
}

// StartConversation sends content to recipient, given as username or user
// id, creating or restoring the conversation on the way.
func (s *Service) StartConversation(ctx context.Context, senderID, recipient, content, bookID string) (*models.Conversation, *models.Message, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, nil, apperr.Validation("Recipient is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil, apperr.Validation("Message is required")
	}

	recipientID, err := s.resolveUser(ctx, recipient)
	if err != nil {
		return nil, nil, err
	}
	if recipientID == senderID {
		return nil, nil, apperr.Validation("Cannot send a message to yourself")
	}

	var book *models.BookContext
	if bookID != "" {
		b, err := s.store.GetBook(ctx, bookID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.NotFound("Book not found")
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get book: %w", err)
		}
		book = b.Context()
	}

	return s.sendDirect(ctx, senderID, recipientID, content, book)
}

// SendDirect sends content from one user to another, with book as the
// context of a newly created conversation.
func (s *Service) SendDirect(ctx context.Context, fromID, toID, content string, book *models.BookContext) (*models.Message, error) {
	_, msg, err := s.sendDirect(ctx, fromID, toID, content, book)
	return msg, err
}

func (s *Service) sendDirect(ctx context.Context, fromID, toID, content string, book *models.BookContext) (*models.Conversation, *models.Message, error) {
	conv, err := s.GetOrCreateConversation(ctx, fromID, toID, book)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.SendMessage(ctx, conv.ID, fromID, content)
	if err != nil {
		return nil, nil, err
	}
	conv, err = s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reload conversation: %w", err)
	}
	return conv, msg, nil
}

func (s *Service) resolveUser(ctx context.Context, ref string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, ref)
	if err == nil {
		return user.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to find user: %w", err)
	}

	user, err = s.store.GetUser(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apperr.NotFound("Recipient not found")
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	return user.ID, nil
}

// MarkRead resets the unread counter of userID and flags the messages it
// received as read. Calling it again changes nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) error {
	_, err := s.markRead(ctx, conversationID, userID)
	return err
}

// MarkReadCount is MarkRead returning the number of messages flagged
func (s *Service) MarkReadCount(ctx context.Context, conversationID, userID string) (int, error) {
	return s.markRead(ctx, conversationID, userID)
}

func (s *Service) markRead(ctx context.Context, conversationID, userID string) (int, error) {
	unlock := s.locks.Lock("conv:" + conversationID)
	defer unlock()

	conv, err := s.loadVisible(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	changed, err := s.store.MarkMessagesRead(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}

	hadUnread := conv.Unread(userID) != 0
	if hadUnread {
		if _, err := s.mutateLocked(ctx, conversationID, func(c *models.Conversation) error {
			c.ResetUnread(userID)
			return nil
		}); err != nil {
			return 0, err
		}
	}

	if changed > 0 || hadUnread {
		s.notifier.EmitToRoom(conversationID, hub.EventMessagesRead, hub.MessagesReadEvent{
			ConversationID: conversationID,
			UserID:         userID,
			Count:          changed,
		})
	}
	return changed, nil
}

// SoftDelete hides the conversation from userID. Once every participant
// has deleted it, the conversation and its messages are purged.
func (s *Service) SoftDelete(ctx context.Context, conversationID, userID string) (purged bool, err error) {
	unlock := s.locks.Lock("conv:" + conversationID)
	defer unlock()

	if _, err := s.loadVisible(ctx, conversationID, userID); err != nil {
		return false, err
	}

	conv, err := s.mutateLocked(ctx, conversationID, func(c *models.Conversation) error {
		c.MarkDeleted(userID)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !conv.DeletedByAll() {
		return false, nil
	}

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return false, fmt.Errorf("failed to purge conversation: %w", err)
	}
	s.logger.Info("Conversation purged", zap.String("conversation_id", conversationID))
	return true, nil
}

// ListConversations returns the conversations visible to userID, most recent
// first, together with the sum of their unread counters.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Summary, int, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	names := make(map[string]string)
	summaries := make([]Summary, 0, len(convs))
	total := 0
	for i := range convs {
		c := &convs[i]
		other := c.OtherParticipant(userID)
		if _, ok := names[other]; !ok {
			names[other] = s.displayName(ctx, other)
		}
		total += c.Unread(userID)
		summaries = append(summaries, summarize(c, userID, names[other]))
	}
	return summaries, total, nil
}

// Summarize returns the conversation as seen by userID
func (s *Service) Summarize(ctx context.Context, c *models.Conversation, userID string) Summary {
	return summarize(c, userID, s.displayName(ctx, c.OtherParticipant(userID)))
}

func summarize(c *models.Conversation, userID, otherName string) Summary {
	return Summary{
		ID:               c.ID,
		OtherParticipant: Participant{ID: c.OtherParticipant(userID), Username: otherName},
		LastMessage:      c.LastMessage,
		LastMessageAt:    c.LastMessageAt,
		UnreadCount:      c.Unread(userID),
		BookContext:      c.BookContext,
		CreatedAt:        c.CreatedAt,
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Failed to load participant", zap.String("user_id", userID), zap.Error(err))
		}
		return userID
	}
	return user.DisplayName()
}

// UnreadTotal returns the unread count of userID across visible conversations
func (s *Service) UnreadTotal(ctx context.Context, userID string) (int, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	total := 0
	for _, c := range convs {
		total += c.Unread(userID)
	}
	return total, nil
}

// ListMessages returns the messages of a conversation visible to userID
func (s *Service) ListMessages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	if _, err := s.loadVisible(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}
