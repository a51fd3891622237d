// Package hub owns the connect/disconnect lifecycle and presence broadcasts.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"campuschat/internal/metrics"
	"campuschat/internal/room"
	"campuschat/internal/session"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Hub serializes every registry mutation and the presence broadcast it causes
// on one goroutine, so each identity's online and offline transitions reach
// every client in order.
type Hub struct {
	registerChannel   chan *lifecycleRequest
	unregisterChannel chan *lifecycleRequest
	shutdownChannel   chan struct{}
	done              chan struct{}

	registry  *session.Registry
	rooms     *room.Router
	directory interfaces.IdentityDirectory
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	running bool
	mu      sync.RWMutex
}

// Transition is the presence effect of one connect or disconnect.
type Transition struct {
	Username string
	// Changed is true when the identity entered or left the online set.
	Changed bool
	// Found is false for a disconnect whose token was never registered.
	Found bool
}

type lifecycleRequest struct {
	conn   interfaces.Connection
	result chan lifecycleResult
}

type lifecycleResult struct {
	transition Transition
	err        error
}

// Options carries the hub's optional collaborators.
type Options struct {
	// Directory records last_seen on presence changes when set.
	Directory interfaces.IdentityDirectory
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// NewHub creates a hub over the shared registry and room router.
func NewHub(registry *session.Registry, rooms *room.Router, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registerChannel:   make(chan *lifecycleRequest, 100),
		unregisterChannel: make(chan *lifecycleRequest, 100),
		registry:          registry,
		rooms:             rooms,
		directory:         opts.Directory,
		metrics:           opts.Metrics,
		logger:            logger.With("component", "hub"),
		now:               time.Now,
	}
}

// Start launches the hub goroutine. It stops on Stop or when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting presence hub")
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop ends the hub goroutine and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("presence hub stopped")
	return nil
}

// Connect registers conn and broadcasts presence if its identity came online.
// A connection whose identity was already online receives the snapshot directly.
func (h *Hub) Connect(ctx context.Context, conn interfaces.Connection) (Transition, error) {
	if conn == nil {
		return Transition{}, ErrNilConnection
	}

	t, err := h.submit(ctx, h.registerChannel, conn)
	if err != nil {
		return t, err
	}
	if t.Changed {
		h.touchLastSeen(ctx, conn)
	}
	return t, nil
}

// Disconnect removes conn from every room and from the registry. Clean closes and
// liveness timeouts both come through here. Unknown tokens are a no-op.
func (h *Hub) Disconnect(ctx context.Context, conn interfaces.Connection) (Transition, error) {
	if conn == nil {
		return Transition{}, ErrNilConnection
	}

	t, err := h.submit(ctx, h.unregisterChannel, conn)
	if err != nil {
		return t, err
	}
	if t.Changed {
		h.touchLastSeen(ctx, conn)
	}
	return t, nil
}

func (h *Hub) submit(ctx context.Context, ch chan *lifecycleRequest, conn interfaces.Connection) (Transition, error) {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return Transition{}, ErrHubNotRunning
	}
	done := h.done
	h.mu.RUnlock()

	req := &lifecycleRequest{conn: conn, result: make(chan lifecycleResult, 1)}

	select {
	case ch <- req:
	case <-done:
		return Transition{}, ErrHubNotRunning
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	}

	// the hub always answers a request it accepted
	select {
	case res := <-req.result:
		return res.transition, res.err
	case <-done:
		return Transition{}, ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case req := <-h.registerChannel:
			t, err := h.handleRegistration(req.conn)
			req.result <- lifecycleResult{transition: t, err: err}

		case req := <-h.unregisterChannel:
			req.result <- lifecycleResult{transition: h.handleDeregistration(req.conn)}

		case <-shutdown:
			h.logger.Debug("hub shutdown requested")
			return

		case <-ctx.Done():
			h.logger.Debug("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleRegistration(conn interfaces.Connection) (Transition, error) {
	cameOnline, err := h.registry.Register(conn)
	if err != nil {
		h.logger.Debug("connection not registered", "conn", conn.ID(), "error", err)
		return Transition{}, err
	}

	username := conn.Identity().Username
	h.recordPresence()

	if cameOnline {
		h.logger.Info("identity online", "username", username, "conn", conn.ID())
		h.broadcast(types.NewEnvelope(types.EventUpdateOnlineUsers, h.registry.Snapshot()))
		h.metrics.PresenceBroadcast()
	} else {
		h.logger.Debug("additional connection", "username", username, "conn", conn.ID())
		h.send(conn, types.NewEnvelope(types.EventUpdateOnlineUsers, h.registry.Snapshot()))
	}

	return Transition{Username: username, Changed: cameOnline, Found: true}, nil
}

func (h *Hub) handleDeregistration(conn interfaces.Connection) Transition {
	// unregister first: a concurrent join that misses LeaveAll sees the token gone and undoes itself
	username, wentOffline, found := h.registry.Unregister(conn)
	h.rooms.LeaveAll(conn)
	if !found {
		h.logger.Debug("disconnect for unknown connection", "conn", conn.ID())
		return Transition{}
	}
	h.recordPresence()

	if wentOffline {
		h.logger.Info("identity offline", "username", username, "conn", conn.ID())
		h.broadcast(types.NewEnvelope(types.EventUpdateOnlineUsers, h.registry.Snapshot()))
		h.broadcast(types.NewEnvelope(types.EventUserTypingStop, types.TypingPayload{Username: username}))
		h.metrics.PresenceBroadcast()
	}

	return Transition{Username: username, Changed: wentOffline, Found: true}
}

func (h *Hub) broadcast(env types.OutboundEnvelope) {
	for _, conn := range h.registry.All() {
		h.send(conn, env)
	}
}

// send is best-effort; a failing connection is already on its way to Disconnect.
func (h *Hub) send(conn interfaces.Connection, env types.OutboundEnvelope) {
	if err := conn.WriteJSON(env); err != nil {
		h.logger.Debug("presence delivery failed", "conn", conn.ID(), "error", err)
	}
}

func (h *Hub) recordPresence() {
	stats := h.registry.GetStats()
	h.metrics.SetPresence(stats["online_users"], stats["total_connections"])
}

func (h *Hub) touchLastSeen(ctx context.Context, conn interfaces.Connection) {
	if h.directory == nil || conn.Identity() == nil {
		return
	}
	if err := h.directory.TouchLastSeen(ctx, conn.Identity().ID, h.now()); err != nil {
		h.logger.Warn("failed to record last_seen", "username", conn.Identity().Username, "error", err)
	}
}
