package interfaces

import (
	"context"

	"campuschat/pkg/types"
)

// Connection is one live transport session.
// Implementations must make WriteJSON safe for concurrent callers and must never block
// the caller on a slow peer: delivery is best-effort.
type Connection interface {
	// ID returns the opaque connection token, unique for the process lifetime.
	ID() string

	// Identity returns the bound identity, or nil for an anonymous connection.
	Identity() *types.Identity

	// WriteJSON queues v for delivery. Writing to a closed connection returns an error
	// that callers are expected to ignore.
	WriteJSON(v any) error

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Close releases the transport; safe to call more than once.
	Close() error
}
