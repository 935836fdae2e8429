// Package identity resolves user identifiers to display names.
//
// Resolution is a lookup against an external user directory in production;
// the relay only depends on the narrow Resolver contract, which never fails.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

// UnknownName is returned whenever a user cannot be resolved. The relay's
// send paths must never fail on identity lookup, so there is no error return.
const UnknownName = "Unknown"

// Resolver maps a user identifier to a display name.
type Resolver interface {
	Resolve(userID uuid.UUID) string
}

// StaticResolver is a concurrency-safe in-process Resolver backed by a map.
// It serves as the dev/test implementation and as the caching front for a
// directory-backed resolver.
type StaticResolver struct {
	mu    sync.RWMutex
	names map[uuid.UUID]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		names: make(map[uuid.UUID]string),
	}
}

// Set records a display name for userID.
func (r *StaticResolver) Set(userID uuid.UUID, name string) {
	r.mu.Lock()
	r.names[userID] = name
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(userID uuid.UUID) string {
	r.mu.RLock()
	name, ok := r.names[userID]
	r.mu.RUnlock()
	if !ok || name == "" {
		return UnknownName
	}
	return name
}
