package api

import (
	"net/http"
	"time"

	"booklend/internal/models"
)

func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []models.ActivityEvent{})
		return
	}

	events, err := s.journal.GetLastEvents(r.Context(), userFromContext(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) topBooks(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30, 1, 3650)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 10, 1, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []models.BookStat{})
		return
	}

	end := time.Now()
	stats, err := s.journal.GetTopBooks(r.Context(), limit, end.AddDate(0, 0, -days), end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
