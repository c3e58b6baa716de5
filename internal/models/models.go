package models

import "time"

// StatCounter names a denormalized per-user lending counter
type StatCounter string

const (
	CounterBorrowed StatCounter = "borrowed"
	CounterLent     StatCounter = "lent"
)

// UserStats holds the lending counters of a user
type UserStats struct {
	Borrowed int `json:"borrowed"`
	Lent     int `json:"lent"`
	Listed   int `json:"listed"`
}

// User is the profile fragment the lending core needs
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Stats     UserStats `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns the username, or the id when none was chosen yet
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// MessageTemplates are the owner's auto-reply templates
type MessageTemplates struct {
	Accept string `json:"accept"`
	Reject string `json:"reject"`
	Return string `json:"return"`
}

// Journal actions
const (
	ActionRequested = "requested"
	ActionAccepted  = "accepted"
	ActionRejected  = "rejected"
	ActionExpired   = "expired"
	ActionReturned  = "returned"
	ActionWithdrawn = "withdrawn"
	ActionRelisted  = "relisted"
)

// ActivityEvent is one journaled lending transition
type ActivityEvent struct {
	At            time.Time `json:"at"`
	BookID        string    `json:"book_id"`
	BookTitle     string    `json:"book_title"`
	Action        string    `json:"action"`
	ActorID       string    `json:"actor_id"`
	CounterpartID string    `json:"counterpart_id,omitempty"`
}

// BookStat represents book lending statistics
type BookStat struct {
	BookID    string `json:"book_id"`
	BookTitle string `json:"book_title"`
	LoanCount int    `json:"loan_count"`
}
