package room

import "errors"

var (
	ErrInvalidKey    = errors.New("invalid room key")
	ErrNilConnection = errors.New("connection cannot be nil")
)
