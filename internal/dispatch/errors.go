package dispatch

import "errors"

// Every error here is a silent drop on the wire. Callers log them; only
// ErrStoreFailure is worth more than debug level.
var (
	ErrUnauthenticated   = errors.New("event from unauthenticated connection")
	ErrMalformedFrame    = errors.New("malformed event frame")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrInvalidRoom       = errors.New("invalid room")
	ErrNotRoomMember     = errors.New("connection is not a member of the room")
	ErrStoreFailure      = errors.New("message store failure")
)
