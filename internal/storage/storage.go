package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booklend/internal/models"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap sees a different version
	ErrConflict = errors.New("version conflict")

	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("duplicate key")
)

// BookStore defines book document operations
type BookStore interface {
	CreateBook(ctx context.Context, book *models.Book) error
	GetBook(ctx context.Context, id string) (*models.Book, error)
	ListBooksByOwner(ctx context.Context, ownerID string) ([]models.Book, error)

	// ListAvailableBooks returns available books not owned by excludeOwnerID,
	// ordered by title then author.
	ListAvailableBooks(ctx context.Context, excludeOwnerID string, limit, offset int) ([]models.Book, error)

	// ListBorrowedBooks returns books currently on loan to borrowerID
	ListBorrowedBooks(ctx context.Context, borrowerID string) ([]models.Book, error)

	// ListReservedBooks returns every reserved book, expired or not
	ListReservedBooks(ctx context.Context) ([]models.Book, error)

	// UpdateBook replaces the book if its stored version equals
	// expectedVersion, and sets book.Version to the new version.
	UpdateBook(ctx context.Context, book *models.Book, expectedVersion int64) error

	// DeleteBook removes the book if its stored version equals expectedVersion
	DeleteBook(ctx context.Context, id string, expectedVersion int64) error
}

// UserStore defines user profile, counters and templates operations
type UserStore interface {
	// EnsureUser creates an empty profile for id unless one exists
	EnsureUser(ctx context.Context, id string) error

	// UpsertUser creates the user or updates its username.
	// Usernames are unique, case-insensitively.
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// IncrementStat adds delta to a counter, creating the user row if needed.
	// Counters never drop below zero.
	IncrementStat(ctx context.Context, userID string, counter models.StatCounter, delta int) error

	GetTemplates(ctx context.Context, userID string) (*models.MessageTemplates, error)
	SaveTemplates(ctx context.Context, userID string, templates models.MessageTemplates) error
}

// ConversationStore defines conversation and message operations
type ConversationStore interface {
	// CreateConversation fails with ErrDuplicate if the pair already has one
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// FindConversationByPair returns the conversation of the unordered pair,
	// whatever its deleted_by state.
	FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error)

	// ListConversations returns conversations of userID that userID has not
	// deleted, most recent message first.
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// UpdateConversation is a compare-and-swap on the version, like UpdateBook
	UpdateConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64) error

	// DeleteConversation removes the conversation and all of its messages
	DeleteConversation(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, msg *models.Message) error

	// DeleteMessage removes a single message, returning ErrNotFound if absent
	DeleteMessage(ctx context.Context, conversationID, id string) error

	// ListMessages returns messages in creation order
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	// MarkMessagesRead flags messages not sent by readerID as read and
	// returns how many changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error)
}

// Storage defines the interface for data storage operations
type Storage interface {
	BookStore
	UserStore
	ConversationStore

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}

// MaxAttempts bounds the compare-and-swap retries of a single mutation
const MaxAttempts = 3

// RetryOnConflict runs fn until it returns something other than ErrConflict,
// at most MaxAttempts times. fn must re-read the document it writes.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", MaxAttempts, err)
}

// Journal is the append-only activity log of lending transitions
type Journal interface {
	RecordEvent(ctx context.Context, event models.ActivityEvent) error

	// GetLastEvents returns the latest events where userID is actor or
	// counterpart, newest first.
	GetLastEvents(ctx context.Context, userID string, limit int) ([]models.ActivityEvent, error)

	// GetTopBooks returns the most borrowed books (accepted loans) within the period
	GetTopBooks(ctx context.Context, limit int, startDate, endDate time.Time) ([]models.BookStat, error)

	Close() error
}
