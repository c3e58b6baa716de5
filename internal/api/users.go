package api

import (
	"errors"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"booklend/internal/apperr"
	"booklend/internal/models"
	"booklend/internal/storage"
	"booklend/internal/templates"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 30
)

type updateProfileRequest struct {
	Username string `json:"username"`
}

type publicUser struct {
	ID        string           `json:"id"`
	Username  string           `json:"username"`
	Stats     models.UserStats `json:"stats"`
	CreatedAt string           `json:"created_at"`
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLength || n > maxUsernameLength {
		return apperr.Validation("Username must be between %d and %d characters", minUsernameLength, maxUsernameLength)
	}
	if strings.IndexFunc(username, unicode.IsSpace) >= 0 {
		return apperr.Validation("Username must not contain whitespace")
	}
	return nil
}

func (s *Server) profile(r *http.Request, userID string) (*models.User, error) {
	user, err := s.users.GetUser(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	stats, err := s.lending.Stats(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	user.Stats = stats
	return user, nil
}

func (s *Server) getMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.profile(r, userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) updateMe(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := validateUsername(req.Username); err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := userFromContext(r)
	err := s.users.UpsertUser(r.Context(), &models.User{ID: userID, Username: req.Username})
	if errors.Is(err, storage.ErrDuplicate) {
		s.writeError(w, r, apperr.Validation("Username %s is already taken", req.Username))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getMe(w, r)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.lending.Stats(r.Context(), userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listMyBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.lending.ListOwned(r.Context(), userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) listBorrowed(w http.ResponseWriter, r *http.Request) {
	books, err := s.lending.ListBorrowed(r.Context(), userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) getTemplates(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.users.GetTemplates(r.Context(), userFromContext(r))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, templates.WithDefaults(tmpl))
}

func (s *Server) saveTemplates(w http.ResponseWriter, r *http.Request) {
	var tmpl models.MessageTemplates
	if err := decodeJSON(r, &tmpl, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := templates.Validate(tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.users.SaveTemplates(r.Context(), userFromContext(r), tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, templates.WithDefaults(&tmpl))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.profile(r, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicUser{
		ID:        user.ID,
		Username:  user.DisplayName(),
		Stats:     user.Stats,
		CreatedAt: user.CreatedAt.UTC().Format("2006-01-02"),
	})
}

func (s *Server) listUserBooks(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if _, err := s.users.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperr.NotFound("User not found")
		}
		s.writeError(w, r, err)
		return
	}

	books, err := s.lending.ListOwned(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}
