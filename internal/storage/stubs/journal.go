package stubs

import (
	"context"
	"sort"
	"sync"
	"time"

	"booklend/internal/models"
)

// MockJournal is an in-memory activity journal
type MockJournal struct {
	mu     sync.RWMutex
	events []models.ActivityEvent
}

// NewMockJournal creates an empty journal
func NewMockJournal() *MockJournal {
	return &MockJournal{}
}

// RecordEvent appends an event
func (j *MockJournal) RecordEvent(ctx context.Context, event models.ActivityEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)
	return nil
}

// GetLastEvents returns the latest events involving userID, newest first.
// An empty userID matches every event.
func (j *MockJournal) GetLastEvents(ctx context.Context, userID string, limit int) ([]models.ActivityEvent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	events := make([]models.ActivityEvent, 0)
	// walk backwards so equal timestamps keep the latest insert first
	for i := len(j.events) - 1; i >= 0; i-- {
		e := j.events[i]
		if userID == "" || e.ActorID == userID || e.CounterpartID == userID {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, k int) bool {
		return events[i].At.After(events[k].At)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GetTopBooks counts accepted loans per book within [startDate, endDate]
func (j *MockJournal) GetTopBooks(ctx context.Context, limit int, startDate, endDate time.Time) ([]models.BookStat, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	counts := make(map[string]*models.BookStat)
	for _, e := range j.events {
		if e.Action != models.ActionAccepted {
			continue
		}
		if e.At.Before(startDate) || e.At.After(endDate) {
			continue
		}
		stat, ok := counts[e.BookID]
		if !ok {
			stat = &models.BookStat{BookID: e.BookID}
			counts[e.BookID] = stat
		}
		stat.BookTitle = e.BookTitle
		stat.LoanCount++
	}

	stats := make([]models.BookStat, 0, len(counts))
	for _, s := range counts {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, k int) bool {
		if stats[i].LoanCount != stats[k].LoanCount {
			return stats[i].LoanCount > stats[k].LoanCount
		}
		return stats[i].BookTitle < stats[k].BookTitle
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// Close does nothing for mock journal
func (j *MockJournal) Close() error {
	return nil
}

// Events returns a copy of every recorded event in insertion order
func (j *MockJournal) Events() []models.ActivityEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]models.ActivityEvent, len(j.events))
	copy(out, j.events)
	return out
}
