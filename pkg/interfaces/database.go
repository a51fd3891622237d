//go:generate go run go.uber.org/mock/mockgen -source=database.go -destination=../../internal/mocks/mock_database.go -package=mocks

package interfaces

import (
	"context"
	"time"

	"campuschat/pkg/types"
)

// MessageStore is the gateway to durable chat history.
// Every method is one transaction on the store side: a send is one insert and
// read-marking is one bulk update.
type MessageStore interface {
	// InsertMessage persists a private message with read=false and returns it with its
	// id and creation timestamp filled in.
	InsertMessage(ctx context.Context, senderID, recipientID int64, body string) (*types.ChatMessage, error)

	// QueryBetween returns the messages exchanged by the unordered pair (a, b),
	// ascending by creation time.
	QueryBetween(ctx context.Context, a, b int64) ([]*types.ChatMessage, error)

	// MarkRead flips read=true on every unread message from senderID to recipientID
	// and reports how many rows changed.
	MarkRead(ctx context.Context, recipientID, senderID int64) (int64, error)

	// UnreadCounts groups the recipient's unread messages by sender username.
	UnreadCounts(ctx context.Context, recipientID int64) (map[string]int, error)
}

// IdentityDirectory resolves identities owned by the external identity provider.
type IdentityDirectory interface {
	// LookupByUsername returns ErrIdentityNotFound when the username does not exist.
	LookupByUsername(ctx context.Context, username string) (*types.Identity, error)

	// TouchLastSeen records the last time the identity was observed online.
	TouchLastSeen(ctx context.Context, identityID int64, at time.Time) error
}

// DatabaseManager is the full persistence surface used by the application wiring.
type DatabaseManager interface {
	MessageStore
	IdentityDirectory

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close drains pending writes and closes the database.
	Close() error
}
