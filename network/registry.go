package network

import (
	"errors"
	"sync"
)

// ErrDuplicateSession indicates a live session already exists for the
// device. The losing connection must be closed by the caller.
var ErrDuplicateSession = errors.New("network: session already registered for device")

// Registry holds at most one live session per remote device. When both
// devices dial each other at the same time, two connections race to
// register; insert-if-absent keeps the first and rejects the second, so
// both sides converge on a single session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Claim registers the session for its device ID if no live session
// exists. A dead session still occupying the slot is evicted first.
func (r *Registry) Claim(s *Session) error {
	deviceID := s.PeerDeviceID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[deviceID]; ok {
		select {
		case <-existing.Done():
			// Stale entry, replace it.
		default:
			return ErrDuplicateSession
		}
	}
	r.sessions[deviceID] = s
	return nil
}

// Release removes the session only if it is still the registered one.
func (r *Registry) Release(s *Session) {
	deviceID := s.PeerDeviceID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[deviceID]; ok && current == s {
		delete(r.sessions, deviceID)
	}
}

// Get returns the registered session for a device, if any.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
