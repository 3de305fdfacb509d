// Package hub owns the live set of authenticated connections. It is the
// only piece of in-process shared mutable state in the core; every mutation
// goes through its serialized API and the underlying maps are never exposed.
package hub

import (
	"sync"

	"anonchat.org/internal/obs"
)

// Conn is a live bidirectional channel the registry can fan payloads out
// to. Enqueue must not block: implementations buffer writes and report an
// error when the buffer is full or the connection is closing, at which
// point the registry drops the connection.
type Conn interface {
	Enqueue(payload []byte) error
	Close()
}

// Registry maps connections to identities and identities to their open
// connections. Admission, removal and broadcast may be called concurrently
// from independent connection tasks.
type Registry struct {
	mu     sync.RWMutex
	conns  map[Conn]int64
	byUser map[int64]map[Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[Conn]int64),
		byUser: make(map[int64]map[Conn]struct{}),
	}
}

// Admit records the connection as authenticated for the given identity.
// Admitting the same connection twice overwrites the previous mapping.
func (r *Registry) Admit(c Conn, userID int64) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if prev, ok := r.conns[c]; ok {
		r.detachLocked(c, prev)
	} else {
		obs.ConnectionOpened()
	}
	r.conns[c] = userID
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[Conn]struct{})
		r.byUser[userID] = set
	}
	set[c] = struct{}{}
	r.mu.Unlock()
}

// Remove deregisters the connection. Safe to call repeatedly and for
// connections that were never admitted.
func (r *Registry) Remove(c Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	userID, ok := r.conns[c]
	if ok {
		r.detachLocked(c, userID)
		obs.ConnectionClosed()
	}
	r.mu.Unlock()
}

func (r *Registry) detachLocked(c Conn, userID int64) {
	delete(r.conns, c)
	if set, ok := r.byUser[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// IsAdmitted reports whether the connection is currently registered.
func (r *Registry) IsAdmitted(c Conn) bool {
	r.mu.RLock()
	_, ok := r.conns[c]
	r.mu.RUnlock()
	return ok
}

// UserID returns the identity associated with an admitted connection.
func (r *Registry) UserID(c Conn) (int64, bool) {
	r.mu.RLock()
	id, ok := r.conns[c]
	r.mu.RUnlock()
	return id, ok
}

// Len returns the number of admitted connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// ConnectionsFor returns the open connections of one identity.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

// Broadcast delivers the payload to every admitted connection, best effort
// per connection. Membership is snapshotted under a short read lock and the
// fan-out runs unlocked so new admissions are never stalled. A connection
// whose enqueue fails is removed and closed; the others still receive the
// payload. Returns the number of successful deliveries.
func (r *Registry) Broadcast(payload []byte) int {
	r.mu.RLock()
	snapshot := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	var failed []Conn
	delivered := 0
	for _, c := range snapshot {
		if err := c.Enqueue(payload); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		r.Remove(c)
		c.Close()
	}
	obs.ObserveFanout(delivered)
	return delivered
}
