package signaling

import (
	"sync"

	"git.solsynth.dev/hypernet/calling/pkg/internal/metrics"
)

// Registry maps room identifiers to their in-memory state.
// Its lock only guards the map; room contents are guarded by each room's own lock,
// which is always taken before the registry lock and never two at a time.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) load(name string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[name]
}

// acquire returns the room for name, creating an empty one when missing.
func (r *Registry) acquire(name string) *room {
	if rm := r.load(name); rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return rm
	}
	rm := newRoom(name)
	r.rooms[name] = rm
	metrics.Rooms.Inc()
	return rm
}

// remove drops the room only while the map still points at that instance.
func (r *Registry) remove(name string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.rooms[name]; ok && current == rm {
		delete(r.rooms, name)
		metrics.Rooms.Dec()
	}
}

func (r *Registry) snapshot() []*room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// Lookup returns the live connection of user in room, or nil.
func (r *Registry) Lookup(name string, user uint) *Connection {
	rm := r.load(name)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	return rm.conns[user]
}

// AllInRoom returns a copy of every live connection in room keyed by user.
func (r *Registry) AllInRoom(name string) map[uint]*Connection {
	out := make(map[uint]*Connection)
	rm := r.load(name)
	if rm == nil {
		return out
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return out
	}
	for user, conn := range rm.conns {
		out[user] = conn
	}
	return out
}

// Rooms is the number of rooms holding in-memory state.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
