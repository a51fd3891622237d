package types

import "errors"

var (
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrEmptyMessage   = errors.New("message body is empty")
	ErrMessageTooLong = errors.New("message body exceeds the configured limit")
)
