package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"booklend/internal/apperr"
	"booklend/internal/lending"
)

type acceptLoanRequest struct {
	DurationDays int `json:"duration_days"`
}

type rejectLoanRequest struct {
	Reason string `json:"reason"`
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (s *Server) createBook(w http.ResponseWriter, r *http.Request) {
	var details lending.BookDetails
	if err := decodeJSON(r, &details, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	book, err := s.lending.CreateBook(r.Context(), userFromContext(r), details)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) listAvailable(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0, 1<<30)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	books, err := s.lending.ListAvailable(r.Context(), userFromContext(r), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.lending.GetBook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) updateBook(w http.ResponseWriter, r *http.Request) {
	var patch lending.BookPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	book, err := s.lending.UpdateBook(r.Context(), mux.Vars(r)["id"], userFromContext(r), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) deleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.lending.DeleteBook(r.Context(), mux.Vars(r)["id"], userFromContext(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestLoan(w http.ResponseWriter, r *http.Request) {
	book, err := s.lending.RequestLoan(r.Context(), mux.Vars(r)["id"], userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) acceptLoan(w http.ResponseWriter, r *http.Request) {
	var req acceptLoanRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	book, err := s.lending.AcceptLoan(r.Context(), mux.Vars(r)["id"], userFromContext(r), req.DurationDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) rejectLoan(w http.ResponseWriter, r *http.Request) {
	var req rejectLoanRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	book, err := s.lending.RejectLoan(r.Context(), mux.Vars(r)["id"], userFromContext(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) returnBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.lending.ReturnBook(r.Context(), mux.Vars(r)["id"], userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Available == nil {
		s.writeError(w, r, apperr.Validation("available is required"))
		return
	}

	book, err := s.lending.SetAvailability(r.Context(), mux.Vars(r)["id"], userFromContext(r), *req.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}
