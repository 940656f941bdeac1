// Package registry implements the in-process connection registry: the
// concurrent-safe mapping from socket handle to connection state described
// in the gateway's data model.
package registry

import (
	"sync"
	"time"
)

// Socket is the minimal surface the registry needs from a WebSocket
// connection: the ability to query readiness, send a frame, and close with a
// reason. Concrete implementations wrap *websocket.Conn.
type Socket interface {
	IsOpen() bool
	Send(payload []byte) error
	Close(code int, reason string) error
}

// ConnectionState is one registry entry per open, authenticated WebSocket
// (spec §3).
type ConnectionState struct {
	Socket Socket

	UUID        string
	Name        string
	AccountType string
	Roles       []string

	ConnectedAtMs     int64
	LastSeenMs        int64
	LastKeepaliveAtMs int64
	IsAlive           bool

	IP *string
}

// clone returns a defensive copy so callers cannot mutate registry internals
// through a returned value (teacher idiom: vehicleOccupantRegistry.Record).
func (c ConnectionState) clone() ConnectionState {
	out := c
	if len(c.Roles) > 0 {
		out.Roles = append([]string(nil), c.Roles...)
	}
	if c.IP != nil {
		ip := *c.IP
		out.IP = &ip
	}
	return out
}

// Entry pairs a socket handle with its connection state for snapshot
// iteration.
type Entry struct {
	Socket Socket
	State  ConnectionState
}

// Registry is the concurrent-safe socket→ConnectionState map (spec §4.3).
type Registry struct {
	mu     sync.RWMutex
	byConn map[Socket]ConnectionState
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		//1.- Start with an empty backing map; Insert adds entries as sockets authenticate.
		byConn: make(map[Socket]ConnectionState),
	}
}

// Insert adds or overwrites the entry for the given socket (spec §4.4.1:
// "overwriting any entry for this socket").
func (r *Registry) Insert(socket Socket, state ConnectionState) {
	if r == nil || socket == nil {
		return
	}
	state.Socket = socket
	r.mu.Lock()
	r.byConn[socket] = state.clone()
	r.mu.Unlock()
}

// Remove deletes the entry for socket, if present, returning it and whether
// it existed. Idempotent: removing an absent socket is a safe no-op.
func (r *Registry) Remove(socket Socket) (ConnectionState, bool) {
	if r == nil || socket == nil {
		return ConnectionState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.byConn[socket]
	if !ok {
		return ConnectionState{}, false
	}
	delete(r.byConn, socket)
	return state.clone(), true
}

// Get returns a copy of the entry for socket, if present.
func (r *Registry) Get(socket Socket) (ConnectionState, bool) {
	if r == nil || socket == nil {
		return ConnectionState{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.byConn[socket]
	if !ok {
		return ConnectionState{}, false
	}
	return state.clone(), true
}

// Update applies fn to the current state for socket under the write lock,
// re-reading from the registry so a concurrently-removed entry (a race
// between eviction and an in-flight handler, spec §5) silently aborts.
func (r *Registry) Update(socket Socket, fn func(*ConnectionState)) bool {
	if r == nil || socket == nil || fn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.byConn[socket]
	if !ok {
		return false
	}
	fn(&state)
	r.byConn[socket] = state
	return true
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Snapshot returns a defensive copy of every entry, safe to iterate while
// concurrent inserts and removals proceed against the live registry.
func (r *Registry) Snapshot() []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.byConn))
	for socket, state := range r.byConn {
		entries = append(entries, Entry{Socket: socket, State: state.clone()})
	}
	return entries
}

// NowMs returns the current time in milliseconds since epoch, the unit used
// throughout ConnectionState's timestamp fields.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
