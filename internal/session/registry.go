package session

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"campuschat/pkg/interfaces"
)

// Registry maps each online identity to its set of live connections.
// A username is in the online set if and only if it holds at least one connection.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]interfaces.Connection // username -> token -> conn
	owners     map[string]string                           // token -> username
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]map[string]interfaces.Connection),
		owners:     make(map[string]string),
	}
}

// Register adds conn to its identity's connection set and reports whether the
// identity just went from zero to one connections. Registering the same token
// twice is a no-op.
func (r *Registry) Register(conn interfaces.Connection) (cameOnline bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	identity := conn.Identity()
	if identity == nil {
		return false, ErrAnonymousConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[conn.ID()]; exists {
		return false, nil
	}

	conns, online := r.byIdentity[identity.Username]
	if !online {
		conns = make(map[string]interfaces.Connection)
		r.byIdentity[identity.Username] = conns
	}
	conns[conn.ID()] = conn
	r.owners[conn.ID()] = identity.Username

	return !online, nil
}

// Unregister removes conn by its token, whichever identity owns it.
// An unknown token is a no-op and returns found=false.
func (r *Registry) Unregister(conn interfaces.Connection) (username string, wentOffline bool, found bool) {
	if conn == nil {
		return "", false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	username, found = r.owners[conn.ID()]
	if !found {
		return "", false, false
	}
	delete(r.owners, conn.ID())

	conns := r.byIdentity[username]
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.byIdentity, username)
		return username, true, true
	}

	return username, false, true
}

// IsOnline reports whether username holds at least one live connection.
func (r *Registry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, online := r.byIdentity[username]
	return online
}

// Snapshot returns a sorted copy of the online usernames.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	usernames := lo.Keys(r.byIdentity)
	r.mu.RUnlock()

	sort.Strings(usernames)
	return usernames
}

// Owns reports whether conn's token is still registered.
func (r *Registry) Owns(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, owned := r.owners[conn.ID()]
	return owned
}

// ConnectionsFor returns a copy of username's live connections.
func (r *Registry) ConnectionsFor(username string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.byIdentity[username])
}

// All returns a copy of every registered connection.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]interfaces.Connection, 0, len(r.owners))
	for _, conns := range r.byIdentity {
		for _, conn := range conns {
			all = append(all, conn)
		}
	}
	return all
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"online_users":      len(r.byIdentity),
		"total_connections": len(r.owners),
	}
}
