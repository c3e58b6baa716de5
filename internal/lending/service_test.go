package lending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"booklend/internal/apperr"
	"booklend/internal/hub"
	"booklend/internal/messaging"
	"booklend/internal/models"
	"booklend/internal/storage/stubs"
)

type event struct {
	UserID string
	Type   string
	Loan   hub.LoanEvent
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) EmitToUser(userID, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan, _ := payload.(hub.LoanEvent)
	r.events = append(r.events, event{userID, eventType, loan})
}

func (r *recorder) EmitToRoom(conversationID, eventType string, payload any) {}

func (r *recorder) of(eventType string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     *Service
	chat    *messaging.Service
	db      *stubs.MockDB
	journal *stubs.MockJournal
	rec     *recorder
	clock   *clock
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		db:      stubs.NewMockDB(),
		journal: stubs.NewMockJournal(),
		rec:     &recorder{},
		clock:   &clock{now: t0},
	}
	f.chat = messaging.NewService(f.db, f.rec, zap.NewNop())
	f.chat.SetClock(f.clock.Now)
	f.svc = NewService(f.db, f.journal, f.rec, f.chat, policy, zap.NewNop())
	f.svc.SetClock(f.clock.Now)
	return f
}

func noMessages() Policy {
	p := DefaultPolicy()
	p.AutoMessages = false
	return p
}

func (f *fixture) listBook(t *testing.T) *models.Book {
	t.Helper()
	b, err := f.svc.CreateBook(context.Background(), "owner", BookDetails{Title: "Dune", Author: "Frank Herbert"})
	require.NoError(t, err)
	return b
}

func (f *fixture) stats(t *testing.T, userID string) models.UserStats {
	t.Helper()
	s, err := f.svc.Stats(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func TestLoanAcceptScenario(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	reserved, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReserved, reserved.Status())
	assert.Equal(t, "reader", reserved.LoanRequest().RequesterID)
	assert.Equal(t, models.RequestPending, reserved.LoanRequest().Status)

	f.clock.Advance(time.Hour)
	lent, err := f.svc.AcceptLoan(ctx, b.ID, "owner", 14)
	require.NoError(t, err)
	loan := lent.ActiveLoan()
	require.NotNil(t, loan)
	assert.Equal(t, "reader", loan.BorrowerID)
	assert.Equal(t, loan.StartedAt.AddDate(0, 0, 14), loan.DueAt)
	assert.Nil(t, lent.LoanRequest())

	assert.Equal(t, 1, f.stats(t, "reader").Borrowed)
	assert.Equal(t, 1, f.stats(t, "owner").Lent)
	assert.Equal(t, 1, f.stats(t, "owner").Listed)

	requests := f.rec.of(hub.EventLoanRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "owner", requests[0].UserID)
	assert.Equal(t, "reader", requests[0].Loan.ActorID)

	accepted := f.rec.of(hub.EventLoanAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "reader", accepted[0].UserID)
	require.NotNil(t, accepted[0].Loan.DueAt)
	assert.Equal(t, loan.DueAt, *accepted[0].Loan.DueAt)

	actions := []string{}
	for _, e := range f.journal.Events() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{models.ActionRequested, models.ActionAccepted}, actions)
}

func TestLoanRejectScenario(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	got, err := f.svc.RejectLoan(ctx, b.ID, "owner", " not now ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())
	require.NotNil(t, got.LastRequest)
	assert.Equal(t, models.RequestRejected, got.LastRequest.Status)

	assert.Zero(t, f.stats(t, "reader").Borrowed)
	assert.Zero(t, f.stats(t, "owner").Lent)

	rejected := f.rec.of(hub.EventLoanRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "reader", rejected[0].UserID)
	assert.Equal(t, "not now", rejected[0].Loan.Reason)
}

func TestReturnScenario(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	_, err = f.svc.AcceptLoan(ctx, b.ID, "owner", 0)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	got, err := f.svc.ReturnBook(ctx, b.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())
	assert.Nil(t, got.ActiveLoan())
	assert.Nil(t, got.LoanRequest())

	assert.Zero(t, f.stats(t, "reader").Borrowed)
	assert.Zero(t, f.stats(t, "owner").Lent)

	returned := f.rec.of(hub.EventBookReturned)
	require.Len(t, returned, 1)
	assert.Equal(t, "reader", returned[0].UserID)
	require.NotNil(t, returned[0].Loan.ReturnedAt)
	assert.Equal(t, t0.Add(72*time.Hour), *returned[0].Loan.ReturnedAt)
}

func TestOnlyOwnerDecides(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	_, err = f.svc.AcceptLoan(ctx, b.ID, "reader", 14)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.RejectLoan(ctx, b.ID, "stranger", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.ReturnBook(ctx, b.ID, "reader")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReserved, got.Status())
}

func TestSelfLoanRequestRefused(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "owner")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())
	assert.Equal(t, b.Version, got.Version)
	assert.Empty(t, f.journal.Events())
}

func TestExpiredRequestCannotBeAccepted(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	f.clock.Advance(48*time.Hour + time.Second)

	_, err = f.svc.AcceptLoan(ctx, b.ID, "owner", 14)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrRequestExpired)

	stored, err := f.db.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, stored.Status())
	assert.Equal(t, models.RequestExpired, stored.LastRequest.Status)
	assert.Zero(t, f.stats(t, "reader").Borrowed)

	expired := f.rec.of(hub.EventLoanExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, "reader", expired[0].UserID)

	_, err = f.svc.RejectLoan(ctx, b.ID, "owner", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestGetBookReleasesExpiredReservation(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	f.clock.Advance(49 * time.Hour)

	got, err := f.svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())
	assert.Equal(t, models.RequestExpired, got.LastRequest.Status)

	// a new request can be made straight away
	_, err = f.svc.RequestLoan(ctx, b.ID, "other")
	require.NoError(t, err)
}

func TestRequestOnStaleReservationReplacesIt(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	_, err = f.svc.RequestLoan(ctx, b.ID, "other")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.clock.Advance(49 * time.Hour)
	got, err := f.svc.RequestLoan(ctx, b.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", got.LoanRequest().RequesterID)
	assert.Len(t, f.rec.of(hub.EventLoanExpired), 1)
}

func TestConcurrentRequestsReserveOnce(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.RequestLoan(ctx, b.ID, "reader-"+string(rune('a'+i))); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.rec.of(hub.EventLoanRequest), 1)
}

func TestConcurrentAcceptAndReject(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)
	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.AcceptLoan(ctx, b.ID, "owner", 7)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.RejectLoan(ctx, b.ID, "owner", "")
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestAcceptDurationBounds(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)
	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	_, err = f.svc.AcceptLoan(ctx, b.ID, "owner", 366)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.AcceptLoan(ctx, b.ID, "owner", -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := f.svc.AcceptLoan(ctx, b.ID, "owner", 0)
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 0, DefaultLoanDays), got.ActiveLoan().DueAt)
}

func TestAvailabilityToggle(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.SetAvailability(ctx, b.ID, "reader", false)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.SetAvailability(ctx, b.ID, "owner", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnavailable, got.Status())

	_, err = f.svc.RequestLoan(ctx, b.ID, "reader")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	again, err := f.svc.SetAvailability(ctx, b.ID, "owner", false)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "no-op toggle does not write")

	got, err = f.svc.SetAvailability(ctx, b.ID, "owner", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())

	_, err = f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	_, err = f.svc.SetAvailability(ctx, b.ID, "owner", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestDeleteBookRules(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteBook(ctx, b.ID, "reader"), apperr.ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteBook(ctx, b.ID, "owner"), apperr.ErrInvalidTransition)

	_, err = f.svc.RejectLoan(ctx, b.ID, "owner", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteBook(ctx, b.ID, "owner"))

	_, err = f.svc.GetBook(ctx, b.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateBookDetails(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	title := "Dune Messiah"
	got, err := f.svc.UpdateBook(ctx, b.ID, "owner", BookPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", got.Title)
	assert.Equal(t, "Frank Herbert", got.Author)

	empty := " "
	_, err = f.svc.UpdateBook(ctx, b.ID, "owner", BookPatch{Author: &empty})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.UpdateBook(ctx, b.ID, "reader", BookPatch{Title: &title})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.CreateBook(ctx, "owner", BookDetails{Title: "No author"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListsAndBorrowed(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)
	_, err := f.svc.CreateBook(ctx, "reader", BookDetails{Title: "Emma", Author: "Austen"})
	require.NoError(t, err)

	available, err := f.svc.ListAvailable(ctx, "reader", 10, 0)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, b.ID, available[0].ID)

	_, err = f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	_, err = f.svc.AcceptLoan(ctx, b.ID, "owner", 14)
	require.NoError(t, err)

	borrowed, err := f.svc.ListBorrowed(ctx, "reader")
	require.NoError(t, err)
	require.Len(t, borrowed, 1)
	assert.Equal(t, b.ID, borrowed[0].ID)

	owned, err := f.svc.ListOwned(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, models.StatusOnLoan, owned[0].Status())
}

func TestAutoMessagesUseOwnerTemplates(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	require.NoError(t, f.db.UpsertUser(ctx, &models.User{ID: "reader", Username: "rita"}))
	require.NoError(t, f.db.SaveTemplates(ctx, "owner", models.MessageTemplates{
		Accept: "OK {borrower}, {titre} est à rendre le {dateRetour}",
	}))
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)
	_, err = f.svc.AcceptLoan(ctx, b.ID, "owner", 14)
	require.NoError(t, err)
	_, err = f.svc.ReturnBook(ctx, b.ID, "owner")
	require.NoError(t, err)

	conv, err := f.db.FindConversationByPair(ctx, "owner", "reader")
	require.NoError(t, err)
	require.NotNil(t, conv.BookContext)
	assert.Equal(t, b.ID, conv.BookContext.BookID)

	messages, err := f.db.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "OK rita, Dune est à rendre le 15/03/2024", messages[0].Content)
	assert.Equal(t, "owner", messages[0].SenderID)
	assert.Equal(t, "Thanks rita, I got \"Dune\" back.", messages[1].Content)
	assert.Equal(t, 2, conv.Unread("reader"))
}

func TestSweeperExpiresStaleReservations(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	stale := f.listBook(t)
	fresh := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, stale.ID, "reader")
	require.NoError(t, err)
	f.clock.Advance(47 * time.Hour)
	_, err = f.svc.RequestLoan(ctx, fresh.ID, "reader")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	NewSweeper(f.svc, time.Hour, zap.NewNop()).Check(ctx)

	got, err := f.db.GetBook(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())
	got, err = f.db.GetBook(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReserved, got.Status())

	released, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx, cancel := context.WithCancel(context.Background())

	w := NewSweeper(f.svc, 10*time.Millisecond, zap.NewNop())
	w.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// slowStatsStore holds the first borrowed increment until release is closed
type slowStatsStore struct {
	*stubs.MockDB
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStatsStore) IncrementStat(ctx context.Context, userID string, counter models.StatCounter, delta int) error {
	if counter == models.CounterBorrowed && delta > 0 {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.MockDB.IncrementStat(ctx, userID, counter, delta)
}

func TestReturnWaitsForAcceptCounters(t *testing.T) {
	store := &slowStatsStore{
		MockDB:  stubs.NewMockDB(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewService(store, nil, &recorder{}, nil, noMessages(), zap.NewNop())
	svc.SetClock(func() time.Time { return t0 })
	ctx := context.Background()

	b, err := svc.CreateBook(ctx, "owner", BookDetails{Title: "Dune", Author: "Frank Herbert"})
	require.NoError(t, err)
	_, err = svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := svc.AcceptLoan(ctx, b.ID, "owner", 14)
		accepted <- err
	}()
	<-store.entered

	returned := make(chan error, 1)
	go func() {
		_, err := svc.ReturnBook(ctx, b.ID, "owner")
		returned <- err
	}()

	select {
	case err := <-returned:
		t.Fatalf("return completed before the accept counters were written: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-accepted)
	require.NoError(t, <-returned)

	got, err := svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status())

	reader, err := svc.Stats(ctx, "reader")
	require.NoError(t, err)
	assert.Zero(t, reader.Borrowed)
	owner, err := svc.Stats(ctx, "owner")
	require.NoError(t, err)
	assert.Zero(t, owner.Lent)
}

func TestListAvailableReleasesExpiredReservations(t *testing.T) {
	f := newFixture(t, noMessages())
	ctx := context.Background()
	b := f.listBook(t)

	_, err := f.svc.RequestLoan(ctx, b.ID, "reader")
	require.NoError(t, err)

	available, err := f.svc.ListAvailable(ctx, "other", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, available)

	f.clock.Advance(49 * time.Hour)
	available, err = f.svc.ListAvailable(ctx, "other", 10, 0)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, b.ID, available[0].ID)
	assert.Len(t, f.rec.of(hub.EventLoanExpired), 1)
}
