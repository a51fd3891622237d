// Package room routes private conversations to the connections that joined them.
package room

import (
	"fmt"
	"strconv"
	"strings"
)

// Key names the room of an unordered identity pair.
type Key string

// KeyFor returns "room_<min>_<max>". The result is the same for (a, b) and (b, a).
func KeyFor(a, b int64) Key {
	if a > b {
		a, b = b, a
	}
	return Key(fmt.Sprintf("room_%d_%d", a, b))
}

// ParseKey validates a client-supplied room name.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, "room_")
	if !ok {
		return "", ErrInvalidKey
	}
	first, second, ok := strings.Cut(rest, "_")
	if !ok {
		return "", ErrInvalidKey
	}
	a, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return "", ErrInvalidKey
	}
	b, err := strconv.ParseInt(second, 10, 64)
	if err != nil {
		return "", ErrInvalidKey
	}
	key := KeyFor(a, b)
	if string(key) != s {
		return "", ErrInvalidKey
	}
	return key, nil
}

func (k Key) String() string { return string(k) }
