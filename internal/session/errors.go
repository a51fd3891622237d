package session

import "errors"

var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrAnonymousConnection = errors.New("connection has no bound identity")
)
