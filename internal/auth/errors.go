package auth

import "errors"

var (
	ErrMissingToken    = errors.New("no identity token presented")
	ErrInvalidToken    = errors.New("invalid identity token")
	ErrUnknownIdentity = errors.New("token names an unknown identity")
	ErrEmptySecret     = errors.New("jwt secret cannot be empty")
)
