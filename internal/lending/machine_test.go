package lending

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booklend/internal/apperr"
	"booklend/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func availableBook() *models.Book {
	return &models.Book{ID: "b1", OwnerID: "owner", Title: "Dune", State: models.Available{}}
}

func assertConsistent(t *testing.T, b *models.Book) {
	t.Helper()
	switch b.Status() {
	case models.StatusReserved:
		assert.NotNil(t, b.LoanRequest())
		assert.Nil(t, b.ActiveLoan())
	case models.StatusOnLoan:
		assert.NotNil(t, b.ActiveLoan())
		assert.Nil(t, b.LoanRequest())
	default:
		assert.Nil(t, b.LoanRequest())
		assert.Nil(t, b.ActiveLoan())
	}
}

func TestRequestAndAccept(t *testing.T) {
	b := availableBook()

	require.NoError(t, Request(b, "reader", t0, 0))
	assert.Equal(t, models.StatusReserved, b.Status())
	req := b.LoanRequest()
	require.NotNil(t, req)
	assert.Equal(t, "reader", req.RequesterID)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, t0.Add(48*time.Hour), req.ExpiresAt)
	assertConsistent(t, b)

	acceptAt := t0.Add(time.Hour)
	require.NoError(t, Accept(b, 14, acceptAt))
	assert.Equal(t, models.StatusOnLoan, b.Status())
	loan := b.ActiveLoan()
	require.NotNil(t, loan)
	assert.Equal(t, "reader", loan.BorrowerID)
	assert.Equal(t, loan.StartedAt.AddDate(0, 0, 14), loan.DueAt)
	assert.Zero(t, loan.ExtensionCount)
	require.NotNil(t, b.LastRequest)
	assert.Equal(t, models.RequestAccepted, b.LastRequest.Status)
	assertConsistent(t, b)
}

func TestAcceptDefaultsDuration(t *testing.T) {
	b := availableBook()
	require.NoError(t, Request(b, "reader", t0, time.Hour))
	require.NoError(t, Accept(b, 0, t0))
	assert.Equal(t, t0.AddDate(0, 0, DefaultLoanDays), b.ActiveLoan().DueAt)
}

func TestReject(t *testing.T) {
	b := availableBook()
	require.NoError(t, Request(b, "reader", t0, 0))
	require.NoError(t, Reject(b, t0.Add(time.Minute)))

	assert.Equal(t, models.StatusAvailable, b.Status())
	require.NotNil(t, b.LastRequest)
	assert.Equal(t, models.RequestRejected, b.LastRequest.Status)
	assertConsistent(t, b)
}

func TestReturn(t *testing.T) {
	b := availableBook()
	require.NoError(t, Request(b, "reader", t0, 0))
	require.NoError(t, Accept(b, 7, t0))

	returnedAt := t0.AddDate(0, 0, 3)
	loan, err := Return(b, returnedAt)
	require.NoError(t, err)
	assert.Equal(t, "reader", loan.BorrowerID)
	require.NotNil(t, loan.ReturnedAt)
	assert.Equal(t, returnedAt, *loan.ReturnedAt)
	assert.Equal(t, models.StatusAvailable, b.Status())
	assert.Nil(t, b.LastRequest)
	assertConsistent(t, b)
}

func TestSelfLoanRejected(t *testing.T) {
	b := availableBook()
	err := Request(b, "owner", t0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	assert.Equal(t, models.StatusAvailable, b.Status())
}

func TestExpiredRequestRefusesAcceptAndReject(t *testing.T) {
	b := availableBook()
	require.NoError(t, Request(b, "reader", t0, 0))
	late := t0.Add(49 * time.Hour)

	err := Accept(b, 14, late)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrRequestExpired)
	assert.Equal(t, models.StatusReserved, b.Status())

	err = Reject(b, late)
	assert.ErrorIs(t, err, ErrRequestExpired)
	assert.Equal(t, models.StatusReserved, b.Status())

	assert.True(t, Expire(b, late))
	assert.Equal(t, models.StatusAvailable, b.Status())
	assert.Equal(t, models.RequestExpired, b.LastRequest.Status)
	assertConsistent(t, b)

	assert.False(t, Expire(b, late), "second expire is a no-op")
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	b := availableBook()
	require.NoError(t, Request(b, "reader", t0, time.Hour))
	assert.NoError(t, Accept(b, 1, t0.Add(time.Hour)))
}

func TestInvalidTransitionsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name  string
		state models.LendingState
		apply func(b *models.Book) error
	}{
		{"request reserved", models.Reserved{Request: models.LoanRequest{RequesterID: "x", Status: models.RequestPending, ExpiresAt: t0.Add(time.Hour)}}, func(b *models.Book) error { return Request(b, "reader", t0, 0) }},
		{"request on loan", models.OnLoan{Loan: models.ActiveLoan{BorrowerID: "x"}}, func(b *models.Book) error { return Request(b, "reader", t0, 0) }},
		{"request unavailable", models.Unavailable{}, func(b *models.Book) error { return Request(b, "reader", t0, 0) }},
		{"accept available", models.Available{}, func(b *models.Book) error { return Accept(b, 14, t0) }},
		{"reject on loan", models.OnLoan{Loan: models.ActiveLoan{BorrowerID: "x"}}, func(b *models.Book) error { return Reject(b, t0) }},
		{"return reserved", models.Reserved{Request: models.LoanRequest{RequesterID: "x", Status: models.RequestPending, ExpiresAt: t0.Add(time.Hour)}}, func(b *models.Book) error { _, err := Return(b, t0); return err }},
		{"return available", models.Available{}, func(b *models.Book) error { _, err := Return(b, t0); return err }},
		{"withdraw on loan", models.OnLoan{Loan: models.ActiveLoan{BorrowerID: "x"}}, func(b *models.Book) error { return Withdraw(b) }},
		{"relist available", models.Available{}, func(b *models.Book) error { return Relist(b) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := availableBook()
			b.State = tt.state
			err := tt.apply(b)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.state.Status(), te.From)
			assert.Equal(t, tt.state, b.State)
		})
	}
}

func TestWithdrawAndRelist(t *testing.T) {
	b := availableBook()
	require.NoError(t, Withdraw(b))
	assert.Equal(t, models.StatusUnavailable, b.Status())
	assert.NoError(t, Deletable(b))
	require.NoError(t, Relist(b))
	assert.Equal(t, models.StatusAvailable, b.Status())
}

func TestDeletable(t *testing.T) {
	b := availableBook()
	require.NoError(t, Request(b, "reader", t0, 0))
	assert.ErrorIs(t, Deletable(b), apperr.ErrInvalidTransition)
}
