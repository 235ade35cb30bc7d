package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateSession is returned when a Call-ID is already registered.
	ErrDuplicateSession = errors.New("session already registered")
	// ErrEmptyCallID is returned for a controller without Call-ID.
	ErrEmptyCallID = errors.New("empty call-id")
)

// Registry maps Call-IDs to live controllers. Only the signaling goroutine
// mutates it; the mutex makes reads from other goroutines safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Controller
	onEmpty  func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Controller)}
}

// OnEmpty sets a hook run whenever Remove leaves the registry empty.
func (r *Registry) OnEmpty(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmpty = fn
}

// Add registers c under its Call-ID.
func (r *Registry) Add(c Controller) error {
	id := c.CallID()
	if id == "" {
		return ErrEmptyCallID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = c
	return nil
}

// Get returns the controller registered for callID.
func (r *Registry) Get(callID string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[callID]
	return c, ok
}

// Remove unregisters c. An entry replaced by another controller is kept.
func (r *Registry) Remove(c Controller) bool {
	r.mu.Lock()
	current, ok := r.sessions[c.CallID()]
	if !ok || current != c {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, c.CallID())
	empty := len(r.sessions) == 0
	hook := r.onEmpty
	r.mu.Unlock()

	if empty && hook != nil {
		hook()
	}
	return true
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered controllers ordered by Call-ID.
func (r *Registry) List() []Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]Controller, 0, len(ids))
	for _, id := range ids {
		list = append(list, r.sessions[id])
	}
	return list
}
