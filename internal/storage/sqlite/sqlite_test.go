package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"booklend/internal/models"
	"booklend/internal/storage"
)

func tempDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "booklend.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newBook(id, owner, title string) *models.Book {
	return &models.Book{ID: id, OwnerID: owner, Title: title, Author: "Herbert", CreatedAt: t0}
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := tempDB(t)
	assert.NoError(t, db.Initialize(context.Background()))
}

func TestBookRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)

	book := newBook("b1", "alice", "Dune")
	book.ISBN = "9780441013593"
	book.State = models.Reserved{Request: models.LoanRequest{
		RequesterID: "bob",
		RequestedAt: t0,
		ExpiresAt:   t0.Add(48 * time.Hour),
		Status:      models.RequestPending,
	}}
	require.NoError(t, db.CreateBook(ctx, book))
	assert.Equal(t, int64(1), book.Version)

	got, err := db.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "9780441013593", got.ISBN)
	assert.Equal(t, models.StatusReserved, got.Status())
	require.NotNil(t, got.LoanRequest())
	assert.Equal(t, "bob", got.LoanRequest().RequesterID)
	assert.True(t, got.LoanRequest().ExpiresAt.Equal(t0.Add(48*time.Hour)))

	err = db.CreateBook(ctx, newBook("b1", "alice", "Dune"))
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = db.GetBook(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateBookCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)

	book := newBook("b1", "alice", "Dune")
	require.NoError(t, db.CreateBook(ctx, book))

	first, err := db.GetBook(ctx, "b1")
	require.NoError(t, err)
	second, err := db.GetBook(ctx, "b1")
	require.NoError(t, err)

	first.State = models.OnLoan{Loan: models.ActiveLoan{BorrowerID: "bob", StartedAt: t0, DueAt: t0.AddDate(0, 0, 14)}}
	require.NoError(t, db.UpdateBook(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.State = models.Unavailable{}
	assert.ErrorIs(t, db.UpdateBook(ctx, second, 1), storage.ErrConflict)

	missing := newBook("nope", "alice", "x")
	assert.ErrorIs(t, db.UpdateBook(ctx, missing, 1), storage.ErrNotFound)

	borrowed, err := db.ListBorrowedBooks(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, borrowed, 1)
	assert.Equal(t, "b1", borrowed[0].ID)

	assert.ErrorIs(t, db.DeleteBook(ctx, "b1", 1), storage.ErrConflict)
	require.NoError(t, db.DeleteBook(ctx, "b1", 2))
	assert.ErrorIs(t, db.DeleteBook(ctx, "b1", 2), storage.ErrNotFound)
}

func TestListAvailableBooks(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)

	require.NoError(t, db.CreateBook(ctx, newBook("b1", "alice", "Zazie")))
	require.NoError(t, db.CreateBook(ctx, newBook("b2", "alice", "Dune")))
	require.NoError(t, db.CreateBook(ctx, newBook("b3", "bob", "Candide")))
	hidden := newBook("b4", "alice", "Atlas")
	hidden.State = models.Unavailable{}
	require.NoError(t, db.CreateBook(ctx, hidden))

	books, err := db.ListAvailableBooks(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, "Zazie", books[1].Title)

	page, err := db.ListAvailableBooks(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Dune", page[0].Title)

	reserved, err := db.ListReservedBooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, reserved)

	owned, err := db.ListBooksByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, owned, 3)
}

func TestUsersAndCounters(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)

	require.NoError(t, db.EnsureUser(ctx, "alice"))
	require.NoError(t, db.EnsureUser(ctx, "alice"))
	require.NoError(t, db.UpsertUser(ctx, &models.User{ID: "alice", Username: "Alice"}))
	require.NoError(t, db.UpsertUser(ctx, &models.User{ID: "bob"}))
	require.NoError(t, db.UpsertUser(ctx, &models.User{ID: "carol"}))

	err := db.UpsertUser(ctx, &models.User{ID: "bob", Username: "alice"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	user, err := db.GetUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)

	_, err = db.GetUserByUsername(ctx, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, db.IncrementStat(ctx, "alice", models.CounterLent, 2))
	require.NoError(t, db.IncrementStat(ctx, "alice", models.CounterLent, -5))
	require.NoError(t, db.IncrementStat(ctx, "dave", models.CounterBorrowed, 1))
	assert.Error(t, db.IncrementStat(ctx, "alice", "listed", 1))

	alice, err := db.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, alice.Stats.Lent)
	assert.Equal(t, "Alice", alice.Username)

	dave, err := db.GetUser(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, 1, dave.Stats.Borrowed)

	_, err = db.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTemplates(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)

	_, err := db.GetTemplates(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, db.SaveTemplates(ctx, "alice", models.MessageTemplates{Accept: "ok {title}"}))
	require.NoError(t, db.SaveTemplates(ctx, "alice", models.MessageTemplates{Accept: "yes {title}", Return: "thanks"}))

	tmpl, err := db.GetTemplates(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.MessageTemplates{Accept: "yes {title}", Return: "thanks"}, *tmpl)
}

func TestConversationsAndMessages(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)

	conv := models.NewConversation("c1", "alice", "bob", &models.BookContext{BookID: "b1", Title: "Dune"}, t0)
	require.NoError(t, db.CreateConversation(ctx, conv))
	assert.ErrorIs(t, db.CreateConversation(ctx, models.NewConversation("c2", "bob", "alice", nil, t0)), storage.ErrDuplicate)

	found, err := db.FindConversationByPair(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", found.ID)
	assert.Equal(t, "Dune", found.BookContext.Title)

	msg := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: t0.Add(time.Minute)}
	require.NoError(t, db.CreateMessage(ctx, msg))
	require.NoError(t, db.CreateMessage(ctx, &models.Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "hello", CreatedAt: t0.Add(time.Minute)}))
	assert.ErrorIs(t, db.CreateMessage(ctx, &models.Message{ID: "m3", ConversationID: "nope", SenderID: "bob", CreatedAt: t0}), storage.ErrNotFound)
	require.NoError(t, db.CreateMessage(ctx, &models.Message{ID: "m4", ConversationID: "c1", SenderID: "bob", Content: "oops", CreatedAt: t0}))
	require.NoError(t, db.DeleteMessage(ctx, "c1", "m4"))
	assert.ErrorIs(t, db.DeleteMessage(ctx, "c1", "m4"), storage.ErrNotFound)

	found.RecordMessage(msg)
	require.NoError(t, db.UpdateConversation(ctx, found, 1))
	assert.ErrorIs(t, db.UpdateConversation(ctx, conv, 1), storage.ErrConflict)

	messages, err := db.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.True(t, messages[0].CreatedAt.Equal(t0.Add(time.Minute)))

	n, err := db.MarkMessagesRead(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = db.MarkMessagesRead(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := db.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Unread("bob"))
	assert.Equal(t, int64(2), stored.Version)

	stored.MarkDeleted("bob")
	require.NoError(t, db.UpdateConversation(ctx, stored, 2))

	bobs, err := db.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobs)
	alices, err := db.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, alices, 1)

	require.NoError(t, db.DeleteConversation(ctx, "c1"))
	messages, err = db.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.ErrorIs(t, db.DeleteConversation(ctx, "c1"), storage.ErrNotFound)

	// the pair is free again
	require.NoError(t, db.CreateConversation(ctx, models.NewConversation("c2", "bob", "alice", nil, t0)))
}
