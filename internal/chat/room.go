package chat

import (
	"time"

	"github.com/google/uuid"
)

// SystemSender is recorded as the sender of engine-originated messages.
const SystemSender = "SYSTEM"

// Message is one entry in a room's persisted log.
type Message struct {
	ID        uuid.UUID
	Sender    string
	Content   string
	CreatedAt time.Time
	Edited    bool
	EditedAt  time.Time
	Reactions map[string][]uuid.UUID
}

// Room is a persistent chat room. Rooms are created explicitly and are never
// auto-deleted by the relay, unlike voice rooms.
//
// All fields are guarded by the owning Engine's lock; the Store receives the
// same pointers and must not retain them across Save calls.
type Room struct {
	ID      uuid.UUID
	Name    string
	Members []uuid.UUID
	Log     []Message

	muted map[uuid.UUID]struct{}
}

func (r *Room) isMember(userID uuid.UUID) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func (r *Room) removeMember(userID uuid.UUID) {
	for i, m := range r.Members {
		if m == userID {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			return
		}
	}
}

func (r *Room) isMuted(userID uuid.UUID) bool {
	_, ok := r.muted[userID]
	return ok
}

// Store is the persistence collaborator. Real deployments back this with a
// database; the relay itself only needs load-on-start and save-on-mutation.
type Store interface {
	Load() ([]*Room, error)
	Save(rooms []*Room) error
}

// MemoryStore is the in-process Store used for development and tests.
type MemoryStore struct {
	rooms []*Room
}

func NewMemoryStore(rooms ...*Room) *MemoryStore {
	return &MemoryStore{rooms: rooms}
}

func (s *MemoryStore) Load() ([]*Room, error) {
	return s.rooms, nil
}

func (s *MemoryStore) Save(rooms []*Room) error {
	s.rooms = rooms
	return nil
}
