package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("outbound queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)
