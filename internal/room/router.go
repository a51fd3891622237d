package room

import (
	"sync"

	"github.com/samber/lo"

	"campuschat/pkg/interfaces"
)

// Router tracks room membership. A room exists only while it has members.
// It performs no identity checks; callers resolve identities first.
type Router struct {
	mu          sync.RWMutex
	rooms       map[Key]map[string]interfaces.Connection // key -> token -> conn
	memberships map[string]map[Key]struct{}              // token -> keys
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		rooms:       make(map[Key]map[string]interfaces.Connection),
		memberships: make(map[string]map[Key]struct{}),
	}
}

// Join adds conn to the room. It reports whether membership changed, so a
// second join of the same connection returns false and has no effect.
func (r *Router) Join(conn interfaces.Connection, key Key) (bool, error) {
	if conn == nil {
		return false, ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[key]
	if !exists {
		members = make(map[string]interfaces.Connection)
		r.rooms[key] = members
	}
	if _, joined := members[conn.ID()]; joined {
		return false, nil
	}
	members[conn.ID()] = conn

	keys, exists := r.memberships[conn.ID()]
	if !exists {
		keys = make(map[Key]struct{})
		r.memberships[conn.ID()] = keys
	}
	keys[key] = struct{}{}

	return true, nil
}

// Leave removes conn from one room.
func (r *Router) Leave(conn interfaces.Connection, key Key) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(conn.ID(), key)
}

// LeaveAll removes conn from every room it joined and returns those rooms.
func (r *Router) LeaveAll(conn interfaces.Connection) []Key {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keys := lo.Keys(r.memberships[conn.ID()])
	for _, key := range keys {
		r.leaveLocked(conn.ID(), key)
	}
	return keys
}

func (r *Router) leaveLocked(token string, key Key) {
	if members, exists := r.rooms[key]; exists {
		delete(members, token)
		if len(members) == 0 {
			delete(r.rooms, key)
		}
	}
	if keys, exists := r.memberships[token]; exists {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.memberships, token)
		}
	}
}

// Members returns a copy of the room's connections.
func (r *Router) Members(key Key) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.rooms[key])
}

// IsMember reports whether conn has joined the room.
func (r *Router) IsMember(conn interfaces.Connection, key Key) bool {
	if conn == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, joined := r.rooms[key][conn.ID()]
	return joined
}

// GetStats returns router statistics for monitoring
func (r *Router) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"active_rooms":       len(r.rooms),
		"joined_connections": len(r.memberships),
	}
}
