// Package api serves the HTTP surface around the chat core: health, presence
// queries, unread counts and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"campuschat/internal/auth"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Presence is the read side of the session registry.
type Presence interface {
	Snapshot() []string
	IsOnline(username string) bool
	GetStats() map[string]int
}

// StatsSource reports component counters for /health.
type StatsSource interface {
	GetStats() map[string]int
}

// Options carries the server's collaborators. Auth, Rooms, Metrics and
// WebSocket are optional.
type Options struct {
	Database  interfaces.DatabaseManager
	Presence  Presence
	Rooms     StatsSource
	Auth      *auth.Authenticator
	Metrics   http.Handler
	WebSocket http.Handler
	Logger    *slog.Logger
}

// Server has no chat logic of its own; it only reads state and encodes JSON.
type Server struct {
	db       interfaces.DatabaseManager
	presence Presence
	rooms    StatsSource
	auth     *auth.Authenticator
	logger   *slog.Logger
	started  time.Time
	router   *http.ServeMux
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:       opts.Database,
		presence: opts.Presence,
		rooms:    opts.Rooms,
		auth:     opts.Auth,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
		router:   http.NewServeMux(),
	}
	s.setupRoutes(opts.Metrics, opts.WebSocket)
	return s
}

func (s *Server) setupRoutes(metricsHandler, wsHandler http.Handler) {
	api := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}

	s.router.Handle("GET /health", api(s.healthCheck))
	s.router.Handle("GET /api/presence", api(s.listPresence))
	s.router.Handle("GET /api/users/{username}/presence", api(s.userPresence))
	s.router.Handle("OPTIONS /api/", s.corsMiddleware(http.NotFoundHandler()))

	unread := api(s.unreadCounts)
	if s.auth != nil {
		unread = s.corsMiddleware(s.auth.Middleware(s.jsonMiddleware(http.HandlerFunc(s.unreadCounts))))
	}
	s.router.Handle("GET /api/messages/unread", unread)

	if metricsHandler != nil {
		s.router.Handle("GET /metrics", metricsHandler)
	}
	if wsHandler != nil {
		s.router.Handle("/ws", wsHandler)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type PresenceResponse struct {
	Online []string `json:"online"`
	Count  int      `json:"count"`
}

type UserPresenceResponse struct {
	Username       string     `json:"username"`
	DisplayName    string     `json:"display_name,omitempty"`
	ProfilePicture string     `json:"profile_picture"`
	Online         bool       `json:"online"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

type UnreadResponse struct {
	Unread map[string]int `json:"unread"`
	Total  int            `json:"total"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Rooms       map[string]int `json:"rooms,omitempty"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/presence
func (s *Server) listPresence(w http.ResponseWriter, r *http.Request) {
	online := s.presence.Snapshot()
	s.writeJSON(w, http.StatusOK, PresenceResponse{Online: online, Count: len(online)})
}

// GET /api/users/{username}/presence
func (s *Server) userPresence(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if !types.IsValidUsername(username) {
		s.sendError(w, "Invalid username", http.StatusBadRequest)
		return
	}

	identity, err := s.db.LookupByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, interfaces.ErrIdentityNotFound) {
			s.sendError(w, "User not found", http.StatusNotFound)
			return
		}
		s.logger.Warn("presence lookup failed", "username", username, "error", err)
		s.sendError(w, "Failed to look up user", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, UserPresenceResponse{
		Username:       identity.Username,
		DisplayName:    identity.DisplayName,
		ProfilePicture: identity.ProfilePicture,
		Online:         s.presence.IsOnline(identity.Username),
		LastSeen:       identity.LastSeen,
	})
}

// GET /api/messages/unread
func (s *Server) unreadCounts(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	counts, err := s.db.UnreadCounts(r.Context(), identity.ID)
	if err != nil {
		s.logger.Warn("unread count failed", "username", identity.Username, "error", err)
		s.sendError(w, "Failed to count unread messages", http.StatusInternalServerError)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	s.writeJSON(w, http.StatusOK, UnreadResponse{Unread: counts, Total: total})
}

// GET /health answers 503 when the database is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.db.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.presence.GetStats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.rooms != nil {
		response.Rooms = s.rooms.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
