// Package registry tracks which connections belong to which user.
//
// Two maps cooperate:
//   - Local: handle id -> connection, and user id -> local handle set,
//     in-process only and mutex-protected. Lookups never suspend.
//   - Global: connections:{userId} in the hot store, a set of handle ids
//     across the whole fleet. Its cardinality defines "online".
//
// Remove reports how many handles the user has left fleet-wide so the
// caller can clear hot presence on the last disconnect.
package registry

import (
	"context"
	"sync"

	"github.com/skimate/realtime/internal/hot"
)

// Conn is the registry's view of a live connection.
type Conn interface {
	// HandleID uniquely identifies the connection across the fleet.
	HandleID() string

	// UserID is the authenticated user bound to the connection.
	UserID() string

	// Deliver enqueues a raw frame for the connection's write pump.
	// Returns false when the connection's buffer is full or closed.
	Deliver(payload []byte) bool
}

// Registry maintains the local and global connection maps.
type Registry struct {
	hot *hot.Client

	mu      sync.RWMutex
	byID    map[string]Conn
	byUser  map[string]map[string]Conn
}

// New creates an empty registry over the given hot store.
func New(hotClient *hot.Client) *Registry {
	return &Registry{
		hot:    hotClient,
		byID:   make(map[string]Conn),
		byUser: make(map[string]map[string]Conn),
	}
}

// Add registers a connection locally and in the fleet-wide set.
func (r *Registry) Add(ctx context.Context, conn Conn) error {
	r.mu.Lock()
	r.byID[conn.HandleID()] = conn
	userConns, ok := r.byUser[conn.UserID()]
	if !ok {
		userConns = make(map[string]Conn)
		r.byUser[conn.UserID()] = userConns
	}
	userConns[conn.HandleID()] = conn
	r.mu.Unlock()

	return r.hot.AddConnection(ctx, conn.UserID(), conn.HandleID())
}

// Remove unregisters a connection and returns how many handles the user
// still has across the fleet. A hot store failure still removes the local
// entry; the remaining count is then unknown and reported as -1.
func (r *Registry) Remove(ctx context.Context, conn Conn) (int64, error) {
	r.mu.Lock()
	delete(r.byID, conn.HandleID())
	if userConns, ok := r.byUser[conn.UserID()]; ok {
		delete(userConns, conn.HandleID())
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID())
		}
	}
	r.mu.Unlock()

	remaining, err := r.hot.RemoveConnection(ctx, conn.UserID(), conn.HandleID())
	if err != nil {
		return -1, err
	}
	return remaining, nil
}

// LocalConnsForUser returns this node's live connections for a user.
func (r *Registry) LocalConnsForUser(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(userConns))
	for _, c := range userConns {
		conns = append(conns, c)
	}
	return conns
}

// HasLocalUser reports whether the user has any connection on this node.
func (r *Registry) HasLocalUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// CountForUser returns the user's fleet-wide connection count.
func (r *Registry) CountForUser(ctx context.Context, userID string) (int64, error) {
	return r.hot.ConnectionCount(ctx, userID)
}

// AllLocalConns snapshots every connection this node hosts.
func (r *Registry) AllLocalConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}

// LocalCount returns how many connections this node hosts.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
