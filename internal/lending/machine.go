// Package lending implements the book loan lifecycle.
//
// The transition functions in this file are pure: they validate the current
// state of a book against wall-clock time and, on success, replace its
// lending state. On failure the book is left untouched.
package lending

import (
	"errors"
	"fmt"
	"time"

	"booklend/internal/apperr"
	"booklend/internal/models"
)

// Action names a lending transition
type Action string

const (
	ActionRequest  Action = "request"
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionReturn   Action = "return"
	ActionExpire   Action = "expire"
	ActionWithdraw Action = "withdraw"
	ActionRelist   Action = "relist"
)

const (
	DefaultReservationTTL = 48 * time.Hour
	DefaultLoanDays       = 14
)

// ErrRequestExpired marks transitions refused because the pending request
// passed its expiry.
var ErrRequestExpired = errors.New("loan request expired")

// TransitionError reports an action whose precondition was not met
type TransitionError struct {
	From   models.LendingStatus
	Action Action
	Reason string
	cause  error
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s a book that is %s: %s", e.Action, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s a book that is %s", e.Action, e.From)
}

// Is makes every TransitionError match apperr.ErrInvalidTransition
func (e *TransitionError) Is(target error) bool {
	return target == apperr.ErrInvalidTransition
}

func (e *TransitionError) Unwrap() error {
	return e.cause
}

func invalid(b *models.Book, action Action, reason string) *TransitionError {
	return &TransitionError{From: b.Status(), Action: action, Reason: reason}
}

// Request reserves an available book for requesterID until now+ttl
func Request(b *models.Book, requesterID string, now time.Time, ttl time.Duration) error {
	if requesterID == b.OwnerID {
		return invalid(b, ActionRequest, "owners cannot borrow their own book")
	}
	if b.Status() != models.StatusAvailable {
		return invalid(b, ActionRequest, "")
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	b.State = models.Reserved{Request: models.LoanRequest{
		RequesterID: requesterID,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
		Status:      models.RequestPending,
	}}
	b.LastRequest = nil
	return nil
}

// pending returns the live request of a reserved book, or an error that
// wraps ErrRequestExpired when the request is past its deadline.
func pending(b *models.Book, action Action, now time.Time) (models.LoanRequest, error) {
	r, ok := b.State.(models.Reserved)
	if !ok {
		return models.LoanRequest{}, invalid(b, action, "")
	}
	if r.Request.Status != models.RequestPending {
		return models.LoanRequest{}, invalid(b, action, fmt.Sprintf("request is %s", r.Request.Status))
	}
	if r.Request.Expired(now) {
		err := invalid(b, action, "request expired")
		err.cause = ErrRequestExpired
		return models.LoanRequest{}, err
	}
	return r.Request, nil
}

// Accept lends a reserved book to its requester for days whole days
func Accept(b *models.Book, days int, now time.Time) error {
	req, err := pending(b, ActionAccept, now)
	if err != nil {
		return err
	}
	if days <= 0 {
		days = DefaultLoanDays
	}

	b.State = models.OnLoan{Loan: models.ActiveLoan{
		BorrowerID: req.RequesterID,
		StartedAt:  now,
		DueAt:      now.AddDate(0, 0, days),
	}}
	req.Status = models.RequestAccepted
	b.LastRequest = &req
	return nil
}

// Reject turns down the pending request and makes the book available again
func Reject(b *models.Book, now time.Time) error {
	req, err := pending(b, ActionReject, now)
	if err != nil {
		return err
	}

	b.State = models.Available{}
	req.Status = models.RequestRejected
	b.LastRequest = &req
	return nil
}

// Return closes the active loan. The returned loan carries ReturnedAt.
func Return(b *models.Book, now time.Time) (models.ActiveLoan, error) {
	l, ok := b.State.(models.OnLoan)
	if !ok {
		return models.ActiveLoan{}, invalid(b, ActionReturn, "")
	}

	loan := l.Loan
	loan.ReturnedAt = &now
	b.State = models.Available{}
	b.LastRequest = nil
	return loan, nil
}

// Expire releases a reserved book whose request passed its deadline.
// It reports whether the book changed.
func Expire(b *models.Book, now time.Time) bool {
	r, ok := b.State.(models.Reserved)
	if !ok || !r.Request.Expired(now) {
		return false
	}

	req := r.Request
	req.Status = models.RequestExpired
	b.State = models.Available{}
	b.LastRequest = &req
	return true
}

// Withdraw takes an available book off the market
func Withdraw(b *models.Book) error {
	if b.Status() != models.StatusAvailable {
		return invalid(b, ActionWithdraw, "")
	}
	b.State = models.Unavailable{}
	return nil
}

// Relist puts a withdrawn book back on the market
func Relist(b *models.Book) error {
	if b.Status() != models.StatusUnavailable {
		return invalid(b, ActionRelist, "")
	}
	b.State = models.Available{}
	return nil
}

// Deletable reports whether the owner may delete the book
func Deletable(b *models.Book) error {
	switch b.Status() {
	case models.StatusAvailable, models.StatusUnavailable:
		return nil
	default:
		return invalid(b, "delete", "book has an active request or loan")
	}
}
