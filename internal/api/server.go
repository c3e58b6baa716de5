// Package api exposes the lending core over REST and mounts the real-time endpoint.
package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"booklend/internal/hub"
	"booklend/internal/lending"
	"booklend/internal/messaging"
	"booklend/internal/storage"
)

// Deps are the collaborators of the HTTP layer
type Deps struct {
	Lending   *lending.Service
	Messaging *messaging.Service
	Users     storage.UserStore
	Journal   storage.Journal
	Hub       *hub.Hub

	Auth       Authenticator
	AuthHeader string

	// AllowOrigin filters CORS origins; nil allows none
	AllowOrigin func(origin string) bool

	Logger *zap.Logger
}

// Server holds the REST handlers
type Server struct {
	lending    *lending.Service
	messaging  *messaging.Service
	users      storage.UserStore
	journal    storage.Journal
	hub        *hub.Hub
	auth       Authenticator
	authHeader string
	allowOrig  func(string) bool
	logger     *zap.Logger
}

// NewServer creates the HTTP layer
func NewServer(d Deps) (*Server, error) {
	if d.Lending == nil || d.Messaging == nil || d.Users == nil {
		return nil, fmt.Errorf("lending, messaging and users are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.AuthHeader == "" {
		d.AuthHeader = "X-User-ID"
	}
	if d.Auth == nil {
		d.Auth = HeaderAuthenticator{Header: d.AuthHeader}
	}
	return &Server{
		lending:    d.Lending,
		messaging:  d.Messaging,
		users:      d.Users,
		journal:    d.Journal,
		hub:        d.Hub,
		auth:       d.Auth,
		authHeader: d.AuthHeader,
		allowOrig:  d.AllowOrigin,
		logger:     d.Logger,
	}, nil
}

func (s *Server) allowOrigin(origin string) bool {
	return s.allowOrig != nil && s.allowOrig(origin)
}

// Handler returns the routed handler with the middleware chain applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}).Methods(http.MethodGet)

	if s.hub != nil {
		router.Handle("/ws", s.optionalAuth(http.HandlerFunc(s.serveWS))).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)

	// books
	api.HandleFunc("/books", s.createBook).Methods(http.MethodPost)
	api.HandleFunc("/books", s.listAvailable).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}", s.getBook).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}", s.updateBook).Methods(http.MethodPatch)
	api.HandleFunc("/books/{id}", s.deleteBook).Methods(http.MethodDelete)
	api.HandleFunc("/books/{id}/request-loan", s.requestLoan).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}/accept-loan", s.acceptLoan).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}/reject-loan", s.rejectLoan).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}/return", s.returnBook).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}/availability", s.setAvailability).Methods(http.MethodPut)

	// users
	api.HandleFunc("/users/me", s.getMe).Methods(http.MethodGet)
	api.HandleFunc("/users/me", s.updateMe).Methods(http.MethodPut)
	api.HandleFunc("/users/me/stats", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/users/me/books", s.listMyBooks).Methods(http.MethodGet)
	api.HandleFunc("/users/me/borrowed", s.listBorrowed).Methods(http.MethodGet)
	api.HandleFunc("/users/me/templates", s.getTemplates).Methods(http.MethodGet)
	api.HandleFunc("/users/me/templates", s.saveTemplates).Methods(http.MethodPut)
	api.HandleFunc("/users/{id}", s.getUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/books", s.listUserBooks).Methods(http.MethodGet)

	// conversations
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/unread-count", s.unreadCount).Methods(http.MethodGet)
	api.HandleFunc("/conversations/new", s.startConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", s.markRead).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id}", s.deleteConversation).Methods(http.MethodDelete)

	// activity journal
	api.HandleFunc("/activity", s.activity).Methods(http.MethodGet)
	api.HandleFunc("/stats/top-books", s.topBooks).Methods(http.MethodGet)

	return s.cors(s.recoverPanics(s.logRequests(router)))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, userFromContext(r))
}
