package stubs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"booklend/internal/models"
	"booklend/internal/storage"
)

// MockDB is an in-memory implementation of the Storage interface for testing.
// Every read returns a copy so callers cannot mutate stored documents.
type MockDB struct {
	mu            sync.RWMutex
	books         map[string]*models.Book
	bookOrder     []string
	users         map[string]*models.User
	templates     map[string]models.MessageTemplates
	conversations map[string]*models.Conversation
	pairs         map[string]string
	messages      map[string][]models.Message
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		books:         make(map[string]*models.Book),
		users:         make(map[string]*models.User),
		templates:     make(map[string]models.MessageTemplates),
		conversations: make(map[string]*models.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]models.Message),
	}
}

// Initialize does nothing for mock DB
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}

func cloneBook(b *models.Book) *models.Book {
	out := *b
	if b.LastRequest != nil {
		req := *b.LastRequest
		out.LastRequest = &req
	}
	if l, ok := b.State.(models.OnLoan); ok && l.Loan.ReturnedAt != nil {
		returned := *l.Loan.ReturnedAt
		l.Loan.ReturnedAt = &returned
		out.State = l
	}
	return &out
}

// CreateBook stores a new book at version 1
func (m *MockDB) CreateBook(ctx context.Context, book *models.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.books[book.ID]; exists {
		return fmt.Errorf("book %s: %w", book.ID, storage.ErrDuplicate)
	}
	if book.State == nil {
		book.State = models.Available{}
	}
	book.Version = 1
	m.books[book.ID] = cloneBook(book)
	m.bookOrder = append(m.bookOrder, book.ID)
	return nil
}

// GetBook returns a book by id
func (m *MockDB) GetBook(ctx context.Context, id string) (*models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneBook(book), nil
}

func (m *MockDB) filterBooks(keep func(*models.Book) bool) []models.Book {
	books := make([]models.Book, 0)
	for _, id := range m.bookOrder {
		book, ok := m.books[id]
		if !ok || !keep(book) {
			continue
		}
		books = append(books, *cloneBook(book))
	}
	return books
}

// ListBooksByOwner returns the owner's books, newest first
func (m *MockDB) ListBooksByOwner(ctx context.Context, ownerID string) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	books := m.filterBooks(func(b *models.Book) bool { return b.OwnerID == ownerID })
	sort.SliceStable(books, func(i, j int) bool {
		return books[i].CreatedAt.After(books[j].CreatedAt)
	})
	return books, nil
}

// ListAvailableBooks returns available books of other owners sorted by title and author
func (m *MockDB) ListAvailableBooks(ctx context.Context, excludeOwnerID string, limit, offset int) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	books := m.filterBooks(func(b *models.Book) bool {
		return b.Status() == models.StatusAvailable && b.OwnerID != excludeOwnerID
	})
	sort.SliceStable(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].Author < books[j].Author
	})

	if offset >= len(books) {
		return []models.Book{}, nil
	}
	books = books[offset:]
	if limit > 0 && limit < len(books) {
		books = books[:limit]
	}
	return books, nil
}

// ListBorrowedBooks returns books currently on loan to borrowerID
func (m *MockDB) ListBorrowedBooks(ctx context.Context, borrowerID string) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterBooks(func(b *models.Book) bool {
		loan := b.ActiveLoan()
		return loan != nil && loan.BorrowerID == borrowerID
	}), nil
}

// ListReservedBooks returns every reserved book
func (m *MockDB) ListReservedBooks(ctx context.Context) ([]models.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterBooks(func(b *models.Book) bool {
		return b.Status() == models.StatusReserved
	}), nil
}

// UpdateBook replaces the book when the stored version matches
func (m *MockDB) UpdateBook(ctx context.Context, book *models.Book, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.books[book.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return storage.ErrConflict
	}
	book.Version = expectedVersion + 1
	m.books[book.ID] = cloneBook(book)
	return nil
}

// DeleteBook removes the book when the stored version matches
func (m *MockDB) DeleteBook(ctx context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.books[id]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return storage.ErrConflict
	}
	delete(m.books, id)
	for i, bookID := range m.bookOrder {
		if bookID == id {
			m.bookOrder = append(m.bookOrder[:i], m.bookOrder[i+1:]...)
			break
		}
	}
	return nil
}

// EnsureUser creates an empty profile unless one exists
func (m *MockDB) EnsureUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		m.users[id] = &models.User{ID: id, CreatedAt: time.Now()}
	}
	return nil
}

// UpsertUser creates the user or updates its username
func (m *MockDB) UpsertUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.Username != "" {
		for id, existing := range m.users {
			if id != user.ID && strings.EqualFold(existing.Username, user.Username) {
				return fmt.Errorf("username %s: %w", user.Username, storage.ErrDuplicate)
			}
		}
	}

	existing, ok := m.users[user.ID]
	if !ok {
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now()
		}
		stored := *user
		m.users[user.ID] = &stored
		return nil
	}
	existing.Username = user.Username
	return nil
}

// GetUser returns a user by id
func (m *MockDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *user
	return &out, nil
}

// GetUserByUsername returns a user by username, case-insensitively
func (m *MockDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.Username != "" && strings.EqualFold(user.Username, username) {
			out := *user
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

// IncrementStat adds delta to the counter, clamping at zero
func (m *MockDB) IncrementStat(ctx context.Context, userID string, counter models.StatCounter, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		user = &models.User{ID: userID, CreatedAt: time.Now()}
		m.users[userID] = user
	}

	var value *int
	switch counter {
	case models.CounterBorrowed:
		value = &user.Stats.Borrowed
	case models.CounterLent:
		value = &user.Stats.Lent
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	*value = max(*value+delta, 0)
	return nil
}

// GetTemplates returns the user's templates, or ErrNotFound if none were saved
func (m *MockDB) GetTemplates(ctx context.Context, userID string) (*models.MessageTemplates, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tmpl, ok := m.templates[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &tmpl, nil
}

// SaveTemplates stores the user's templates
func (m *MockDB) SaveTemplates(ctx context.Context, userID string, templates models.MessageTemplates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.templates[userID] = templates
	return nil
}

// CreateConversation stores a new conversation at version 1
func (m *MockDB) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := conv.PairKey()
	if _, exists := m.pairs[key]; exists {
		return fmt.Errorf("conversation for %s: %w", key, storage.ErrDuplicate)
	}
	conv.Version = 1
	m.conversations[conv.ID] = conv.Clone()
	m.pairs[key] = conv.ID
	return nil
}

// GetConversation returns a conversation by id
func (m *MockDB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return conv.Clone(), nil
}

// FindConversationByPair returns the conversation of the unordered pair
func (m *MockDB) FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairs[models.PairKey(a, b)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.conversations[id].Clone(), nil
}

// ListConversations returns the conversations visible to userID, most recent first
func (m *MockDB) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]models.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.VisibleTo(userID) {
			convs = append(convs, *conv.Clone())
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

// UpdateConversation replaces the conversation when the stored version matches
func (m *MockDB) UpdateConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conversations[conv.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return storage.ErrConflict
	}
	conv.Version = expectedVersion + 1
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// DeleteConversation removes the conversation and its messages
func (m *MockDB) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(m.pairs, conv.PairKey())
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// CreateMessage appends a message to its conversation
func (m *MockDB) CreateMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return storage.ErrNotFound
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)
	return nil
}

// DeleteMessage removes a single message
func (m *MockDB) DeleteMessage(ctx context.Context, conversationID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := m.messages[conversationID]
	for i := range messages {
		if messages[i].ID == id {
			m.messages[conversationID] = append(messages[:i:i], messages[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// ListMessages returns messages in creation order
func (m *MockDB) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]models.Message, len(m.messages[conversationID]))
	copy(messages, m.messages[conversationID])
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// MarkMessagesRead flags messages not sent by readerID as read
func (m *MockDB) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	messages := m.messages[conversationID]
	for i := range messages {
		if messages[i].SenderID != readerID && !messages[i].IsRead {
			messages[i].IsRead = true
			changed++
		}
	}
	return changed, nil
}

// MessageCount returns the number of stored messages of a conversation
func (m *MockDB) MessageCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[conversationID])
}
