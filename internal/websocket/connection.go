package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campuschat/internal/metrics"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

// Connection wraps one WebSocket with a single writer goroutine.
// WriteJSON never blocks: a full queue marks the peer as a slow consumer and
// closes the connection, which then takes the normal disconnect path.
type Connection struct {
	conn         *websocket.Conn
	id           string
	identity     *types.Identity
	writeCh      chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	metrics      *metrics.Collector
	logger       *slog.Logger
}

// NewConnection starts the writer goroutine for conn. identity is nil for
// anonymous connections.
func NewConnection(conn *websocket.Conn, identity *types.Identity, settings Settings, collector *metrics.Collector, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		identity:     identity,
		writeCh:      make(chan []byte, settings.BufferSize),
		writeTimeout: settings.WriteTimeout,
		pingInterval: settings.PingInterval,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      collector,
	}
	c.logger = logger.With("conn", c.id)

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string                { return c.id }
func (c *Connection) Identity() *types.Identity { return c.identity }
func (c *Connection) Context() context.Context  { return c.ctx }

// writeLoop owns every write to the socket, data frames and pings alike.
// writeCh is never closed, so a concurrent WriteJSON cannot panic.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v without blocking.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.metrics.EventDropped(metrics.DropSlowConsumer)
		c.logger.Warn("closing slow consumer", "queued", len(c.writeCh))
		// callers may be broadcasting; keep the close handshake off their path
		go func() { _ = c.Close() }()
		return ErrSlowConsumer
	}
}

// Close cancels the connection context and closes the socket once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}
