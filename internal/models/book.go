package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LendingStatus is the lending status of a book
type LendingStatus string

const (
	StatusAvailable   LendingStatus = "available"
	StatusReserved    LendingStatus = "reserved"
	StatusOnLoan      LendingStatus = "on_loan"
	StatusUnavailable LendingStatus = "unavailable"
)

// RequestStatus is the status of a loan request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// LoanRequest is a pending claim on a book, time-boxed by ExpiresAt
type LoanRequest struct {
	RequesterID string        `json:"requester_id"`
	RequestedAt time.Time     `json:"requested_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Status      RequestStatus `json:"request_status"`
}

// Expired reports whether the request can no longer be accepted or rejected.
func (r LoanRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ActiveLoan is the record of a book currently lent to a borrower
type ActiveLoan struct {
	BorrowerID     string     `json:"borrower_id"`
	StartedAt      time.Time  `json:"started_at"`
	DueAt          time.Time  `json:"due_at"`
	ReturnedAt     *time.Time `json:"returned_at,omitempty"`
	ExtensionCount int        `json:"extension_count"`
}

// LendingState is the lending state of a book. It is exactly one of
// Available, Unavailable, Reserved or OnLoan, so a reserved book always has a
// request and never a loan, and vice versa.
type LendingState interface {
	Status() LendingStatus
	lendingState()
}

// Available books can be requested
type Available struct{}

// Unavailable books were withdrawn by their owner
type Unavailable struct{}

// Reserved books carry the pending request
type Reserved struct {
	Request LoanRequest
}

// OnLoan books carry the active loan
type OnLoan struct {
	Loan ActiveLoan
}

func (Available) Status() LendingStatus   { return StatusAvailable }
func (Unavailable) Status() LendingStatus { return StatusUnavailable }
func (Reserved) Status() LendingStatus    { return StatusReserved }
func (OnLoan) Status() LendingStatus      { return StatusOnLoan }

func (Available) lendingState()   {}
func (Unavailable) lendingState() {}
func (Reserved) lendingState()    {}
func (OnLoan) lendingState()      {}

// Book represents a book listed by its owner
type Book struct {
	ID        string
	OwnerID   string
	Title     string
	Author    string
	ISBN      string
	Publisher string
	Year      int
	Genre     string
	Pages     int
	Summary   string
	Condition string
	CoverURL  string
	CreatedAt time.Time

	State LendingState

	// LastRequest keeps the outcome of the most recently closed request:
	// accepted while on loan, rejected or expired once available again.
	// A return clears it.
	LastRequest *LoanRequest

	// Version is bumped by storage on every successful update
	Version int64
}

// Status returns the current lending status
func (b *Book) Status() LendingStatus {
	if b.State == nil {
		return StatusAvailable
	}
	return b.State.Status()
}

// LoanRequest returns the pending request, or nil unless the book is reserved
func (b *Book) LoanRequest() *LoanRequest {
	if r, ok := b.State.(Reserved); ok {
		req := r.Request
		return &req
	}
	return nil
}

// ActiveLoan returns the active loan, or nil unless the book is on loan
func (b *Book) ActiveLoan() *ActiveLoan {
	if l, ok := b.State.(OnLoan); ok {
		loan := l.Loan
		return &loan
	}
	return nil
}

// Context returns the snapshot stored on conversations about this book
func (b *Book) Context() *BookContext {
	return &BookContext{
		BookID:   b.ID,
		Title:    b.Title,
		Author:   b.Author,
		CoverURL: b.CoverURL,
	}
}

// LendingDocument is the persisted form of a LendingState
type LendingDocument struct {
	Status      LendingStatus `json:"status"`
	LoanRequest *LoanRequest  `json:"loan_request,omitempty"`
	ActiveLoan  *ActiveLoan   `json:"active_loan,omitempty"`
}

// EncodeState converts a state into its document form
func EncodeState(state LendingState) LendingDocument {
	switch s := state.(type) {
	case Reserved:
		req := s.Request
		return LendingDocument{Status: StatusReserved, LoanRequest: &req}
	case OnLoan:
		loan := s.Loan
		return LendingDocument{Status: StatusOnLoan, ActiveLoan: &loan}
	case Unavailable:
		return LendingDocument{Status: StatusUnavailable}
	default:
		return LendingDocument{Status: StatusAvailable}
	}
}

// DecodeState rebuilds a state from its document form, rejecting documents
// whose sub-records do not match the status.
func DecodeState(doc LendingDocument) (LendingState, error) {
	switch doc.Status {
	case StatusAvailable, "":
		if doc.LoanRequest != nil || doc.ActiveLoan != nil {
			return nil, fmt.Errorf("available book carries lending sub-records")
		}
		return Available{}, nil
	case StatusUnavailable:
		if doc.LoanRequest != nil || doc.ActiveLoan != nil {
			return nil, fmt.Errorf("unavailable book carries lending sub-records")
		}
		return Unavailable{}, nil
	case StatusReserved:
		if doc.LoanRequest == nil || doc.ActiveLoan != nil {
			return nil, fmt.Errorf("reserved book must carry only a loan request")
		}
		return Reserved{Request: *doc.LoanRequest}, nil
	case StatusOnLoan:
		if doc.ActiveLoan == nil || doc.LoanRequest != nil {
			return nil, fmt.Errorf("on-loan book must carry only an active loan")
		}
		return OnLoan{Loan: *doc.ActiveLoan}, nil
	default:
		return nil, fmt.Errorf("unknown lending status %q", doc.Status)
	}
}

type bookJSON struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	Title       string       `json:"title"`
	Author      string       `json:"author"`
	ISBN        string       `json:"isbn,omitempty"`
	Publisher   string       `json:"publisher,omitempty"`
	Year        int          `json:"year,omitempty"`
	Genre       string       `json:"genre,omitempty"`
	Pages       int          `json:"pages,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Condition   string       `json:"condition,omitempty"`
	CoverURL    string       `json:"cover_url,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastRequest *LoanRequest `json:"last_request,omitempty"`
	LendingDocument
}

// MarshalJSON flattens the lending state into status, loan_request and active_loan
func (b Book) MarshalJSON() ([]byte, error) {
	return json.Marshal(bookJSON{
		ID:              b.ID,
		OwnerID:         b.OwnerID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		Publisher:       b.Publisher,
		Year:            b.Year,
		Genre:           b.Genre,
		Pages:           b.Pages,
		Summary:         b.Summary,
		Condition:       b.Condition,
		CoverURL:        b.CoverURL,
		CreatedAt:       b.CreatedAt,
		LastRequest:     b.LastRequest,
		LendingDocument: EncodeState(b.State),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON
func (b *Book) UnmarshalJSON(data []byte) error {
	var raw bookJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state, err := DecodeState(raw.LendingDocument)
	if err != nil {
		return err
	}
	*b = Book{
		ID:          raw.ID,
		OwnerID:     raw.OwnerID,
		Title:       raw.Title,
		Author:      raw.Author,
		ISBN:        raw.ISBN,
		Publisher:   raw.Publisher,
		Year:        raw.Year,
		Genre:       raw.Genre,
		Pages:       raw.Pages,
		Summary:     raw.Summary,
		Condition:   raw.Condition,
		CoverURL:    raw.CoverURL,
		CreatedAt:   raw.CreatedAt,
		LastRequest: raw.LastRequest,
		State:       state,
	}
	return nil
}
