// Package presence tracks which users currently hold a live signaling
// connection. The registry is owned by the signaling event loop and is not
// safe for concurrent use.
package presence

import "sort"

// ConnID identifies one live transport session. It is never persisted.
type ConnID string

// String returns the underlying identifier.
func (id ConnID) String() string {
	return string(id)
}

// Registry maps a user identity to its current connection. A reconnect
// replaces the previous mapping (last connect wins).
type Registry struct {
	connections map[string]ConnID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]ConnID)}
}

// Register maps userID to conn and reports the connection it superseded.
func (r *Registry) Register(userID string, conn ConnID) (ConnID, bool) {
	previous, existed := r.connections[userID]
	r.connections[userID] = conn
	return previous, existed && previous != conn
}

// Unregister removes the user whose current connection is conn. A
// connection that was superseded by a reconnect matches nothing.
func (r *Registry) Unregister(conn ConnID) (string, bool) {
	for userID, current := range r.connections {
		if current == conn {
			delete(r.connections, userID)
			return userID, true
		}
	}
	return "", false
}

// Lookup returns the current connection for userID. Absence means offline.
func (r *Registry) Lookup(userID string) (ConnID, bool) {
	conn, ok := r.connections[userID]
	return conn, ok
}

// Online returns the sorted set of users with a live connection.
func (r *Registry) Online() []string {
	users := make([]string, 0, len(r.connections))
	for userID := range r.connections {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Len reports the number of online users.
func (r *Registry) Len() int {
	return len(r.connections)
}
