package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"booklend/internal/apperr"
	"booklend/internal/hub"
	"booklend/internal/keylock"
	"booklend/internal/models"
	"booklend/internal/storage"
	"booklend/internal/templates"
)

// Policy holds the tunable lending rules
type Policy struct {
	ReservationTTL  time.Duration
	DefaultLoanDays int
	MaxLoanDays     int
	AutoMessages    bool
}

// DefaultPolicy returns the standard lending rules
func DefaultPolicy() Policy {
	return Policy{
		ReservationTTL:  DefaultReservationTTL,
		DefaultLoanDays: DefaultLoanDays,
		MaxLoanDays:     365,
		AutoMessages:    true,
	}
}

// Store is the storage the loan service needs
type Store interface {
	storage.BookStore
	GetUser(ctx context.Context, id string) (*models.User, error)
	IncrementStat(ctx context.Context, userID string, counter models.StatCounter, delta int) error
	GetTemplates(ctx context.Context, userID string) (*models.MessageTemplates, error)
}

// Notifier delivers user-scoped real-time events
type Notifier interface {
	EmitToUser(userID, eventType string, payload any)
}

// Messenger sends the owner's auto-reply through the conversation ledger
type Messenger interface {
	SendDirect(ctx context.Context, fromID, toID, content string, book *models.BookContext) (*models.Message, error)
}

// BookDetails are the descriptive fields an owner sets on a book
type BookDetails struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	ISBN      string `json:"isbn"`
	Publisher string `json:"publisher"`
	Year      int    `json:"year"`
	Genre     string `json:"genre"`
	Pages     int    `json:"pages"`
	Summary   string `json:"summary"`
	Condition string `json:"condition"`
	CoverURL  string `json:"cover_url"`
}

// BookPatch is a partial update of BookDetails
type BookPatch struct {
	Title     *string `json:"title"`
	Author    *string `json:"author"`
	ISBN      *string `json:"isbn"`
	Publisher *string `json:"publisher"`
	Year      *int    `json:"year"`
	Genre     *string `json:"genre"`
	Pages     *int    `json:"pages"`
	Summary   *string `json:"summary"`
	Condition *string `json:"condition"`
	CoverURL  *string `json:"cover_url"`
}

// errUnchanged aborts a step without writing the book
var errUnchanged = errors.New("book unchanged")

// step mutates a freshly loaded book, or returns an error to abort
type step func(b *models.Book, now time.Time) error

// Service orchestrates lending: permissions, the state machine, persistence
// and the notifications that follow a transition.
type Service struct {
	store     Store
	journal   storage.Journal
	notifier  Notifier
	messenger Messenger
	policy    Policy
	locks     *keylock.Map
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a loan service. journal and messenger may be nil.
func NewService(store Store, journal storage.Journal, notifier Notifier, messenger Messenger, policy Policy, logger *zap.Logger) *Service {
	if policy.ReservationTTL <= 0 {
		policy.ReservationTTL = DefaultReservationTTL
	}
	if policy.DefaultLoanDays <= 0 {
		policy.DefaultLoanDays = DefaultLoanDays
	}
	if policy.MaxLoanDays < policy.DefaultLoanDays {
		policy.MaxLoanDays = policy.DefaultLoanDays
	}
	return &Service{
		store:     store,
		journal:   journal,
		notifier:  notifier,
		messenger: messenger,
		policy:    policy,
		locks:     keylock.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the wall clock, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func validateDetails(d BookDetails, now time.Time) error {
	if strings.TrimSpace(d.Title) == "" {
		return apperr.Validation("Title is required")
	}
	if strings.TrimSpace(d.Author) == "" {
		return apperr.Validation("Author is required")
	}
	if d.Year < 0 || d.Year > now.Year()+1 {
		return apperr.Validation("Invalid publication year")
	}
	if d.Pages < 0 {
		return apperr.Validation("Invalid page count")
	}
	return nil
}

func applyDetails(b *models.Book, d BookDetails) {
	b.Title = strings.TrimSpace(d.Title)
	b.Author = strings.TrimSpace(d.Author)
	b.ISBN = d.ISBN
	b.Publisher = d.Publisher
	b.Year = d.Year
	b.Genre = d.Genre
	b.Pages = d.Pages
	b.Summary = d.Summary
	b.Condition = d.Condition
	b.CoverURL = d.CoverURL
}

func detailsOf(b *models.Book) BookDetails {
	return BookDetails{
		Title:     b.Title,
		Author:    b.Author,
		ISBN:      b.ISBN,
		Publisher: b.Publisher,
		Year:      b.Year,
		Genre:     b.Genre,
		Pages:     b.Pages,
		Summary:   b.Summary,
		Condition: b.Condition,
		CoverURL:  b.CoverURL,
	}
}

func (p BookPatch) apply(d BookDetails) BookDetails {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&d.Title, p.Title)
	set(&d.Author, p.Author)
	set(&d.ISBN, p.ISBN)
	set(&d.Publisher, p.Publisher)
	set(&d.Genre, p.Genre)
	set(&d.Summary, p.Summary)
	set(&d.Condition, p.Condition)
	set(&d.CoverURL, p.CoverURL)
	if p.Year != nil {
		d.Year = *p.Year
	}
	if p.Pages != nil {
		d.Pages = *p.Pages
	}
	return d
}

// CreateBook lists a new available book for ownerID
func (s *Service) CreateBook(ctx context.Context, ownerID string, d BookDetails) (*models.Book, error) {
	now := s.now()
	if err := validateDetails(d, now); err != nil {
		return nil, err
	}

	book := &models.Book{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: now,
		State:     models.Available{},
	}
	applyDetails(book, d)

	if err := s.store.CreateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}
	s.logger.Info("Book listed", zap.String("book_id", book.ID), zap.String("owner_id", ownerID))
	return book, nil
}

// UpdateBook changes the descriptive fields of a book. Owner only.
func (s *Service) UpdateBook(ctx context.Context, bookID, actorID string, patch BookPatch) (*models.Book, error) {
	return s.transition(ctx, bookID, func(b *models.Book, now time.Time) error {
		if b.OwnerID != actorID {
			return apperr.Forbidden("Only the owner can edit this book")
		}
		d := patch.apply(detailsOf(b))
		if err := validateDetails(d, now); err != nil {
			return err
		}
		applyDetails(b, d)
		return nil
	})
}

// DeleteBook removes a book with no pending request or active loan. Owner only.
func (s *Service) DeleteBook(ctx context.Context, bookID, actorID string) error {
	unlock := s.locks.Lock(bookID)
	defer unlock()

	return storage.RetryOnConflict(ctx, func() error {
		b, err := s.load(ctx, bookID)
		if err != nil {
			return err
		}
		if b.OwnerID != actorID {
			return apperr.Forbidden("Only the owner can delete this book")
		}
		if err := Deletable(b); err != nil {
			if req := b.LoanRequest(); req == nil || !req.Expired(s.now()) {
				return err
			}
		}
		if err := s.store.DeleteBook(ctx, bookID, b.Version); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.NotFound("Book not found")
			}
			return err
		}
		s.logger.Info("Book deleted", zap.String("book_id", bookID))
		return nil
	})
}

// GetBook returns a book, releasing an expired reservation on the way
func (s *Service) GetBook(ctx context.Context, bookID string) (*models.Book, error) {
	b, err := s.load(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if !s.isStale(b) {
		return b, nil
	}
	return s.expire(ctx, bookID)
}

// ListOwned returns the books of ownerID
func (s *Service) ListOwned(ctx context.Context, ownerID string) ([]models.Book, error) {
	books, err := s.store.ListBooksByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return s.settle(ctx, books), nil
}

// ListAvailable returns the books viewerID may request
func (s *Service) ListAvailable(ctx context.Context, viewerID string, limit, offset int) ([]models.Book, error) {
	// expired reservations are available again but still stored as reserved
	if _, err := s.ExpireStale(ctx); err != nil {
		s.logger.Warn("Failed to release expired reservations", zap.Error(err))
	}
	books, err := s.store.ListAvailableBooks(ctx, viewerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list available books: %w", err)
	}
	return books, nil
}

// ListBorrowed returns the books currently lent to borrowerID
func (s *Service) ListBorrowed(ctx context.Context, borrowerID string) ([]models.Book, error) {
	books, err := s.store.ListBorrowedBooks(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list borrowed books: %w", err)
	}
	return books, nil
}

// Stats returns the lending counters of userID
func (s *Service) Stats(ctx context.Context, userID string) (models.UserStats, error) {
	var stats models.UserStats
	user, err := s.store.GetUser(ctx, userID)
	switch {
	case err == nil:
		stats = user.Stats
	case !errors.Is(err, storage.ErrNotFound):
		return stats, fmt.Errorf("failed to get user: %w", err)
	}

	books, err := s.store.ListBooksByOwner(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("failed to list books: %w", err)
	}
	stats.Listed = len(books)
	return stats, nil
}

// RequestLoan reserves an available book for requesterID
func (s *Service) RequestLoan(ctx context.Context, bookID, requesterID string) (*models.Book, error) {
	var lapsed *models.LoanRequest
	b, err := s.transition(ctx, bookID, func(b *models.Book, now time.Time) error {
		lapsed = nil
		if old := b.LoanRequest(); old != nil && Expire(b, now) {
			lapsed = old
		}
		return Request(b, requesterID, now, s.policy.ReservationTTL)
	})
	if err != nil {
		return nil, err
	}

	if lapsed != nil {
		s.afterExpire(ctx, b, *lapsed)
	}
	req := b.LoanRequest()
	s.record(ctx, b, models.ActionRequested, requesterID, b.OwnerID)
	s.notifier.EmitToUser(b.OwnerID, hub.EventLoanRequest, hub.LoanEvent{
		BookID:    b.ID,
		BookTitle: b.Title,
		ActorID:   requesterID,
		ExpiresAt: &req.ExpiresAt,
	})
	return b, nil
}

// ownerStep runs fn only for the owner of the book
func ownerStep(actorID, action string, fn step) step {
	return func(b *models.Book, now time.Time) error {
		if b.OwnerID != actorID {
			return apperr.Forbidden("Only the owner can %s this loan", action)
		}
		return fn(b, now)
	}
}

// AcceptLoan lends the book to its requester for days days (0 = default)
func (s *Service) AcceptLoan(ctx context.Context, bookID, ownerID string, days int) (*models.Book, error) {
	if days < 0 || days > s.policy.MaxLoanDays {
		return nil, apperr.Validation("Loan duration must be between 1 and %d days", s.policy.MaxLoanDays)
	}
	if days == 0 {
		days = s.policy.DefaultLoanDays
	}

	// counters are bumped under the book lock, ahead of any return
	b, err := s.transitionCommitted(ctx, bookID, ownerStep(ownerID, "accept", func(b *models.Book, now time.Time) error {
		return Accept(b, days, now)
	}), func(b *models.Book) {
		s.bumpStats(ctx, b.ActiveLoan().BorrowerID, b.OwnerID, 1)
	})
	if err != nil {
		return nil, err
	}

	loan := b.ActiveLoan()
	s.record(ctx, b, models.ActionAccepted, ownerID, loan.BorrowerID)
	s.notifier.EmitToUser(loan.BorrowerID, hub.EventLoanAccepted, hub.LoanEvent{
		BookID:    b.ID,
		BookTitle: b.Title,
		ActorID:   ownerID,
		DueAt:     &loan.DueAt,
	})
	s.autoMessage(ctx, b, templates.KindAccept, loan.BorrowerID, loan.DueAt)
	return b, nil
}

// RejectLoan turns the pending request down
func (s *Service) RejectLoan(ctx context.Context, bookID, ownerID, reason string) (*models.Book, error) {
	b, err := s.transition(ctx, bookID, ownerStep(ownerID, "reject", func(b *models.Book, now time.Time) error {
		return Reject(b, now)
	}))
	if err != nil {
		return nil, err
	}

	requesterID := b.LastRequest.RequesterID
	s.record(ctx, b, models.ActionRejected, ownerID, requesterID)
	s.notifier.EmitToUser(requesterID, hub.EventLoanRejected, hub.LoanEvent{
		BookID:    b.ID,
		BookTitle: b.Title,
		ActorID:   ownerID,
		Reason:    strings.TrimSpace(reason),
	})
	s.autoMessage(ctx, b, templates.KindReject, requesterID, time.Time{})
	return b, nil
}

// ReturnBook closes the active loan
func (s *Service) ReturnBook(ctx context.Context, bookID, ownerID string) (*models.Book, error) {
	var loan models.ActiveLoan
	b, err := s.transitionCommitted(ctx, bookID, ownerStep(ownerID, "close", func(b *models.Book, now time.Time) error {
		var err error
		loan, err = Return(b, now)
		return err
	}), func(b *models.Book) {
		s.bumpStats(ctx, loan.BorrowerID, b.OwnerID, -1)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, b, models.ActionReturned, ownerID, loan.BorrowerID)
	s.notifier.EmitToUser(loan.BorrowerID, hub.EventBookReturned, hub.LoanEvent{
		BookID:     b.ID,
		BookTitle:  b.Title,
		ActorID:    ownerID,
		ReturnedAt: loan.ReturnedAt,
	})
	s.autoMessage(ctx, b, templates.KindReturn, loan.BorrowerID, loan.DueAt)
	return b, nil
}

// SetAvailability withdraws or relists a book. Owner only.
func (s *Service) SetAvailability(ctx context.Context, bookID, ownerID string, available bool) (*models.Book, error) {
	action := models.ActionWithdrawn
	if available {
		action = models.ActionRelisted
	}

	b, err := s.transition(ctx, bookID, func(b *models.Book, now time.Time) error {
		if b.OwnerID != ownerID {
			return apperr.Forbidden("Only the owner can change availability")
		}
		if available {
			if b.Status() == models.StatusAvailable {
				return errUnchanged
			}
			return Relist(b)
		}
		if b.Status() == models.StatusUnavailable {
			return errUnchanged
		}
		return Withdraw(b)
	})
	if errors.Is(err, errUnchanged) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, b, action, ownerID, "")
	return b, nil
}

// ExpireStale releases every reservation past its deadline and returns how
// many were released.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	books, err := s.store.ListReservedBooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list reserved books: %w", err)
	}

	released := 0
	for i := range books {
		if !s.isStale(&books[i]) {
			continue
		}
		if _, err := s.expire(ctx, books[i].ID); err != nil {
			s.logger.Error("Failed to expire reservation", zap.String("book_id", books[i].ID), zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

func (s *Service) isStale(b *models.Book) bool {
	req := b.LoanRequest()
	return req != nil && req.Expired(s.now())
}

func (s *Service) settle(ctx context.Context, books []models.Book) []models.Book {
	for i := range books {
		if !s.isStale(&books[i]) {
			continue
		}
		if fresh, err := s.expire(ctx, books[i].ID); err == nil {
			books[i] = *fresh
		} else {
			s.logger.Warn("Failed to expire reservation", zap.String("book_id", books[i].ID), zap.Error(err))
		}
	}
	return books
}

func (s *Service) load(ctx context.Context, bookID string) (*models.Book, error) {
	b, err := s.store.GetBook(ctx, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Book not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return b, nil
}

// transition runs fn under the book lock with a compare-and-swap write.
// A request found expired during accept or reject is released before the
// error is returned.
func (s *Service) transition(ctx context.Context, bookID string, fn step) (*models.Book, error) {
	return s.transitionCommitted(ctx, bookID, fn, nil)
}

// transitionCommitted is transition with a hook that runs after a successful
// write and before the book lock is released.
func (s *Service) transitionCommitted(ctx context.Context, bookID string, fn step, committed func(b *models.Book)) (*models.Book, error) {
	unlock := s.locks.Lock(bookID)
	defer unlock()

	b, err := s.applyLocked(ctx, bookID, fn)
	if errors.Is(err, ErrRequestExpired) {
		if _, expErr := s.expireLocked(ctx, bookID); expErr != nil {
			s.logger.Error("Failed to expire reservation", zap.String("book_id", bookID), zap.Error(expErr))
		}
	}
	if err == nil && committed != nil {
		committed(b)
	}
	return b, err
}

func (s *Service) applyLocked(ctx context.Context, bookID string, fn step) (*models.Book, error) {
	var out *models.Book
	err := storage.RetryOnConflict(ctx, func() error {
		b, err := s.load(ctx, bookID)
		if err != nil {
			return err
		}
		out = b
		if err := fn(b, s.now()); err != nil {
			return err
		}
		if err := s.store.UpdateBook(ctx, b, b.Version); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.NotFound("Book not found")
			}
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}
	return out, err
}

func (s *Service) expire(ctx context.Context, bookID string) (*models.Book, error) {
	unlock := s.locks.Lock(bookID)
	defer unlock()
	return s.expireLocked(ctx, bookID)
}

func (s *Service) expireLocked(ctx context.Context, bookID string) (*models.Book, error) {
	var lapsed models.LoanRequest
	b, err := s.applyLocked(ctx, bookID, func(b *models.Book, now time.Time) error {
		req := b.LoanRequest()
		if req == nil || !Expire(b, now) {
			return errUnchanged
		}
		lapsed = *req
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	s.afterExpire(ctx, b, lapsed)
	return b, nil
}

func (s *Service) afterExpire(ctx context.Context, b *models.Book, lapsed models.LoanRequest) {
	s.logger.Info("Reservation expired", zap.String("book_id", b.ID), zap.String("requester_id", lapsed.RequesterID))
	s.record(ctx, b, models.ActionExpired, lapsed.RequesterID, b.OwnerID)
	s.notifier.EmitToUser(lapsed.RequesterID, hub.EventLoanExpired, hub.LoanEvent{
		BookID:    b.ID,
		BookTitle: b.Title,
		ActorID:   b.OwnerID,
		ExpiresAt: &lapsed.ExpiresAt,
	})
}

func (s *Service) bumpStats(ctx context.Context, borrowerID, ownerID string, delta int) {
	if err := s.store.IncrementStat(ctx, borrowerID, models.CounterBorrowed, delta); err != nil {
		s.logger.Error("Failed to update borrowed counter", zap.String("user_id", borrowerID), zap.Error(err))
	}
	if err := s.store.IncrementStat(ctx, ownerID, models.CounterLent, delta); err != nil {
		s.logger.Error("Failed to update lent counter", zap.String("user_id", ownerID), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, b *models.Book, action, actorID, counterpartID string) {
	if s.journal == nil {
		return
	}
	event := models.ActivityEvent{
		At:            s.now(),
		BookID:        b.ID,
		BookTitle:     b.Title,
		Action:        action,
		ActorID:       actorID,
		CounterpartID: counterpartID,
	}
	if err := s.journal.RecordEvent(ctx, event); err != nil {
		s.logger.Error("Failed to record activity", zap.String("book_id", b.ID), zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	return user.DisplayName()
}

func (s *Service) autoMessage(ctx context.Context, b *models.Book, kind templates.Kind, counterpartID string, due time.Time) {
	if !s.policy.AutoMessages || s.messenger == nil {
		return
	}

	custom, err := s.store.GetTemplates(ctx, b.OwnerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("Failed to load templates", zap.String("user_id", b.OwnerID), zap.Error(err))
	}
	text := templates.Render(templates.Pick(custom, kind), templates.Vars{
		Title:    b.Title,
		Author:   b.Author,
		DueDate:  due,
		Borrower: s.displayName(ctx, counterpartID),
		Owner:    s.displayName(ctx, b.OwnerID),
	})

	if _, err := s.messenger.SendDirect(ctx, b.OwnerID, counterpartID, text, b.Context()); err != nil {
		s.logger.Error("Failed to send automatic message", zap.String("book_id", b.ID),
			zap.String("kind", string(kind)), zap.Error(err))
	}
}
