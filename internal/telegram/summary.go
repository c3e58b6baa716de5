package telegram

import (
	"fmt"

	"booklend/internal/hub"
)

const (
	dateLayout     = "02/01/2006"
	maxPreviewRune = 100
)

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= maxPreviewRune {
		return text
	}
	return string(runes[:maxPreviewRune]) + "…"
}

// Summarize renders a one-line text for an event. Events that carry no
// useful offline information report false.
func Summarize(eventType string, payload any) (string, bool) {
	switch p := payload.(type) {
	case hub.LoanEvent:
		return summarizeLoan(eventType, p)
	case hub.ConversationEvent:
		// new_conversation always comes with conversation_updated
		if eventType != hub.EventConversationUpdated || p.LastMessage == nil {
			return "", false
		}
		return fmt.Sprintf("💬 New message (%d unread): %s", p.UnreadCount, preview(p.LastMessage.Content)), true
	}
	return "", false
}

func summarizeLoan(eventType string, p hub.LoanEvent) (string, bool) {
	switch eventType {
	case hub.EventLoanRequest:
		return fmt.Sprintf("📚 New loan request for \"%s\"", p.BookTitle), true
	case hub.EventLoanAccepted:
		if p.DueAt != nil {
			return fmt.Sprintf("✅ Your request for \"%s\" was accepted. Return it by %s", p.BookTitle, p.DueAt.Format(dateLayout)), true
		}
		return fmt.Sprintf("✅ Your request for \"%s\" was accepted", p.BookTitle), true
	case hub.EventLoanRejected:
		if p.Reason != "" {
			return fmt.Sprintf("❌ Your request for \"%s\" was declined: %s", p.BookTitle, p.Reason), true
		}
		return fmt.Sprintf("❌ Your request for \"%s\" was declined", p.BookTitle), true
	case hub.EventLoanExpired:
		return fmt.Sprintf("⌛ Your request for \"%s\" expired", p.BookTitle), true
	case hub.EventBookReturned:
		return fmt.Sprintf("📦 \"%s\" was marked as returned", p.BookTitle), true
	}
	return "", false
}
