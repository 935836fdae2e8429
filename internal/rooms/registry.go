// Package rooms provides the concurrent room/presence registry shared by the
// relay engines.
//
// The registry is the only way engines touch membership state; the internal
// sets are never handed out. No lock is held across a fan-out, only during
// individual mutations and snapshots.
package rooms

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps a room identifier to its current member set. M is the member
// key type: a transport endpoint for voice, a user identifier for chat-side
// bookkeeping.
type Registry[M comparable] struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]map[M]struct{}
}

func NewRegistry[M comparable]() *Registry[M] {
	return &Registry[M]{
		rooms: make(map[uuid.UUID]map[M]struct{}),
	}
}

// Add registers member in room, creating the room on first join.
func (r *Registry[M]) Add(room uuid.UUID, member M) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[room]
	if !ok {
		set = make(map[M]struct{})
		r.rooms[room] = set
	}
	set[member] = struct{}{}
}

// Remove drops member from room. The room entry itself is deleted once its
// member set becomes empty; the return value reports whether that happened.
// Removing an unknown member or room is a no-op.
func (r *Registry[M]) Remove(room uuid.UUID, member M) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[room]
	if !ok {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}

// Members returns a snapshot of the room's member set. The returned slice is
// owned by the caller; mutating it does not affect the registry.
func (r *Registry[M]) Members(room uuid.UUID) []M {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[room]
	if !ok {
		return nil
	}
	members := make([]M, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members
}

// Contains reports whether member is currently registered in room.
func (r *Registry[M]) Contains(room uuid.UUID, member M) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, ok = set[member]
	return ok
}

// Len returns the number of rooms currently tracked.
func (r *Registry[M]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// BroadcastExcept invokes send for every member of room other than except.
// Delivery is best-effort: a send error skips that member and continues with
// the rest, there is no retry and no ordering guarantee across destinations.
// Membership is snapshotted before the first send, so members joining or
// leaving mid-broadcast neither receive the payload nor abort it. Returns the
// number of successful sends.
func (r *Registry[M]) BroadcastExcept(room uuid.UUID, except M, send func(M) error) int {
	delivered := 0
	for _, m := range r.Members(room) {
		if m == except {
			continue
		}
		if err := send(m); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}
