package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBookJSONRoundTrip(t *testing.T) {
	book := Book{
		ID:        "b1",
		OwnerID:   "alice",
		Title:     "Dune",
		Author:    "Frank Herbert",
		CreatedAt: t0,
		State: OnLoan{Loan: ActiveLoan{
			BorrowerID: "bob",
			StartedAt:  t0,
			DueAt:      t0.AddDate(0, 0, 14),
		}},
		LastRequest: &LoanRequest{RequesterID: "bob", RequestedAt: t0, ExpiresAt: t0.Add(48 * time.Hour), Status: RequestAccepted},
	}

	data, err := json.Marshal(book)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "on_loan", flat["status"])
	assert.NotContains(t, flat, "loan_request")
	assert.Contains(t, flat, "active_loan")

	var decoded Book
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StatusOnLoan, decoded.Status())
	require.NotNil(t, decoded.ActiveLoan())
	assert.Equal(t, "bob", decoded.ActiveLoan().BorrowerID)
	assert.Nil(t, decoded.LoanRequest())
	assert.Equal(t, RequestAccepted, decoded.LastRequest.Status)
}

func TestDecodeStateRejectsMixedRecords(t *testing.T) {
	req := &LoanRequest{RequesterID: "bob"}
	loan := &ActiveLoan{BorrowerID: "bob"}

	testCases := []struct {
		name  string
		doc   LendingDocument
		valid bool
	}{
		{"available", LendingDocument{Status: StatusAvailable}, true},
		{"empty status", LendingDocument{}, true},
		{"available with request", LendingDocument{Status: StatusAvailable, LoanRequest: req}, false},
		{"unavailable with loan", LendingDocument{Status: StatusUnavailable, ActiveLoan: loan}, false},
		{"reserved", LendingDocument{Status: StatusReserved, LoanRequest: req}, true},
		{"reserved without request", LendingDocument{Status: StatusReserved}, false},
		{"reserved with both", LendingDocument{Status: StatusReserved, LoanRequest: req, ActiveLoan: loan}, false},
		{"on loan", LendingDocument{Status: StatusOnLoan, ActiveLoan: loan}, true},
		{"on loan with request", LendingDocument{Status: StatusOnLoan, ActiveLoan: loan, LoanRequest: req}, false},
		{"unknown", LendingDocument{Status: "lost"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			state, err := DecodeState(tc.doc)
			if !tc.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			encoded := EncodeState(state)
			if tc.doc.Status == "" {
				assert.Equal(t, StatusAvailable, encoded.Status)
				return
			}
			assert.Equal(t, tc.doc, encoded)
		})
	}
}

func TestLoanRequestExpiredBoundary(t *testing.T) {
	req := LoanRequest{ExpiresAt: t0}
	assert.False(t, req.Expired(t0.Add(-time.Second)))
	assert.False(t, req.Expired(t0))
	assert.True(t, req.Expired(t0.Add(time.Nanosecond)))
}

func TestConversationLedger(t *testing.T) {
	conv := NewConversation("c1", "bob", "alice", nil, t0)
	assert.Equal(t, PairKey("alice", "bob"), conv.PairKey())
	assert.Equal(t, "alice|bob", PairKey("bob", "alice"))
	assert.Equal(t, "alice", conv.OtherParticipant("bob"))
	assert.False(t, conv.HasParticipant("carol"))

	conv.RecordMessage(&Message{ID: "m1", SenderID: "bob", Content: "hi", CreatedAt: t0.Add(time.Minute)})
	conv.RecordMessage(&Message{ID: "m2", SenderID: "bob", Content: "still there?", CreatedAt: t0.Add(2 * time.Minute)})
	assert.Equal(t, 2, conv.Unread("alice"))
	assert.Equal(t, 0, conv.Unread("bob"))
	assert.Equal(t, "m2", conv.LastMessage.ID)
	assert.True(t, conv.LastMessageAt.Equal(t0.Add(2*time.Minute)))

	conv.ResetUnread("alice")
	conv.ResetUnread("alice")
	assert.Equal(t, 0, conv.Unread("alice"))

	conv.MarkDeleted("alice")
	conv.MarkDeleted("alice")
	assert.Equal(t, []string{"alice"}, conv.DeletedBy)
	assert.False(t, conv.VisibleTo("alice"))
	assert.True(t, conv.VisibleTo("bob"))
	assert.False(t, conv.DeletedByAll())

	assert.True(t, conv.Restore("alice"))
	assert.False(t, conv.Restore("alice"))
	assert.True(t, conv.VisibleTo("alice"))

	conv.MarkDeleted("alice")
	conv.MarkDeleted("bob")
	assert.True(t, conv.DeletedByAll())
}

func TestConversationCloneIsDeep(t *testing.T) {
	conv := NewConversation("c1", "alice", "bob", &BookContext{BookID: "b1", Title: "Dune"}, t0)
	conv.RecordMessage(&Message{ID: "m1", SenderID: "alice", Content: "hi", CreatedAt: t0})

	clone := conv.Clone()
	clone.UnreadCount["bob"] = 10
	clone.MarkDeleted("bob")
	clone.BookContext.Title = "Changed"
	clone.LastMessage.Content = "changed"

	assert.Equal(t, 1, conv.Unread("bob"))
	assert.Empty(t, conv.DeletedBy)
	assert.Equal(t, "Dune", conv.BookContext.Title)
	assert.Equal(t, "hi", conv.LastMessage.Content)
}

func TestDisplayName(t *testing.T) {
	var nilUser *User
	assert.Equal(t, "", nilUser.DisplayName())
	assert.Equal(t, "u1", (&User{ID: "u1"}).DisplayName())
	assert.Equal(t, "rita", (&User{ID: "u1", Username: "rita"}).DisplayName())
}
