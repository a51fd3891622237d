// Package websocket carries chat events over gorilla/websocket connections.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campuschat/internal/auth"
	"campuschat/internal/dispatch"
	"campuschat/internal/hub"
	"campuschat/internal/metrics"
	"campuschat/pkg/types"
)

// Settings tunes the transport.
type Settings struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
	AllowedOrigins []string
	AllowAnonymous bool
}

// DefaultSettings pings every 30s and drops peers silent for 60s.
func DefaultSettings() Settings {
	return Settings{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		BufferSize:     256,
		MaxMessageSize: 16 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.PingInterval <= 0 {
		s.PingInterval = d.PingInterval
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.BufferSize <= 0 {
		s.BufferSize = d.BufferSize
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = d.MaxMessageSize
	}
	return s
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (*types.Identity, error)
}

// Handler upgrades requests, binds identities and pumps events into the dispatcher.
type Handler struct {
	auth       Authenticator
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	settings   Settings
	upgrader   websocket.Upgrader
	metrics    *metrics.Collector
	logger     *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	active  map[string]*Connection
	closing bool
}

// NewHandler creates the /ws handler.
func NewHandler(authenticator Authenticator, h *hub.Hub, dispatcher *dispatch.Dispatcher, settings Settings, collector *metrics.Collector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()
	logger = logger.With("component", "websocket")
	origins := NewOriginPolicy(settings.AllowedOrigins, logger)

	return &Handler{
		auth:       authenticator,
		hub:        h,
		dispatcher: dispatcher,
		settings:   settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      origins.Check,
		},
		metrics: collector,
		logger:  logger,
		active:  make(map[string]*Connection),
	}
}

// ServeHTTP binds an identity before upgrading. Requests that cannot be bound
// get 401 unless anonymous connections are allowed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.isClosing() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken),
			errors.Is(err, auth.ErrInvalidToken),
			errors.Is(err, auth.ErrUnknownIdentity):
			if !h.settings.AllowAnonymous {
				h.logger.Debug("rejecting unauthenticated upgrade", "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			identity = nil
		default:
			h.logger.Warn("identity lookup failed", "error", err)
			http.Error(w, "Identity lookup unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(ws, identity, h.settings, h.metrics, h.logger)

	// tracked before the hub sees it so CloseAll can never miss a registered connection
	if !h.track(conn) {
		_ = conn.Close()
		return
	}

	if identity != nil {
		if _, err := h.hub.Connect(r.Context(), conn); err != nil {
			h.logger.Warn("connection not registered", "username", identity.Username, "error", err)
			h.untrack(conn)
			_ = conn.Close()
			h.wg.Done()
			return
		}
	}

	go h.handleConnection(conn)
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// track adds conn to the active set. It refuses once CloseAll has started.
func (h *Handler) track(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active[conn.ID()] = conn
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	delete(h.active, conn.ID())
	h.mu.Unlock()
}

// handleConnection is the read loop. A clean close, a read error and a missed
// pong all end here and take the same disconnect path.
func (h *Handler) handleConnection(conn *Connection) {
	defer h.wg.Done()
	defer func() {
		h.untrack(conn)
		_ = conn.Close()
		if conn.Identity() == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.hub.Disconnect(ctx, conn); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			h.logger.Warn("disconnect failed", "conn", conn.ID(), "error", err)
		}
	}()

	ws := conn.conn
	ws.SetReadLimit(h.settings.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read ended", "conn", conn.ID(), "error", err)
			}
			return
		}
		// any inbound traffic proves liveness
		_ = ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		if err := h.dispatcher.Dispatch(conn.Context(), conn, data); err != nil {
			h.logDrop(conn, err)
		}
	}
}

func (h *Handler) logDrop(conn *Connection, err error) {
	username := ""
	if conn.Identity() != nil {
		username = conn.Identity().Username
	}
	if errors.Is(err, dispatch.ErrStoreFailure) {
		h.logger.Warn("event failed", "conn", conn.ID(), "username", username, "error", err)
		return
	}
	h.logger.Debug("event dropped", "conn", conn.ID(), "username", username, "error", err)
}

// CloseAll refuses further upgrades, closes every open connection and waits
// for their read loops to finish their disconnect path, or for ctx to expire.
func (h *Handler) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Connection, 0, len(h.active))
	for _, conn := range h.active {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnections reports how many sockets are open, anonymous ones included.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}
