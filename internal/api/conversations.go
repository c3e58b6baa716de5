package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"booklend/internal/messaging"
	"booklend/internal/models"
)

type conversationsResponse struct {
	Conversations []messaging.Summary `json:"conversations"`
	UnreadCount   int                 `json:"unread_count"`
}

type countResponse struct {
	Count int `json:"count"`
}

type newConversationRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	BookID    string `json:"book_id"`
}

type newConversationResponse struct {
	Conversation messaging.Summary `json:"conversation"`
	Message      *models.Message   `json:"message"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type deleteConversationResponse struct {
	Purged bool `json:"purged"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	summaries, unread, err := s.messaging.ListConversations(r.Context(), userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: summaries, UnreadCount: unread})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.messaging.UnreadTotal(r.Context(), userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	var req newConversationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := userFromContext(r)
	conv, msg, err := s.messaging.StartConversation(r.Context(), userID, req.Recipient, req.Message, req.BookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConversationResponse{
		Conversation: s.messaging.Summarize(r.Context(), conv, userID),
		Message:      msg,
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.messaging.ListMessages(r.Context(), mux.Vars(r)["id"], userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.messaging.SendMessage(r.Context(), mux.Vars(r)["id"], userFromContext(r), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	count, err := s.messaging.MarkReadCount(r.Context(), mux.Vars(r)["id"], userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	purged, err := s.messaging.SoftDelete(r.Context(), mux.Vars(r)["id"], userFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteConversationResponse{Purged: purged})
}
