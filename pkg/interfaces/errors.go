package interfaces

import "errors"

// ErrIdentityNotFound is returned by IdentityDirectory lookups for unknown usernames.
var ErrIdentityNotFound = errors.New("identity not found")
