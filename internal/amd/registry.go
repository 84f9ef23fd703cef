package amd

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Registry maps call ids to their active sessions. It is the only state
// shared between sessions and is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]registryEntry
}

type registryEntry struct {
	session *Session
	cancel  context.CancelCauseFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]registryEntry)}
}

// Add registers s. cancel is invoked by [Registry.Cancel] and may be nil.
// A call id that is already registered yields [ErrDuplicateSession].
func (r *Registry) Add(s *Session, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.callID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.callID)
	}
	r.sessions[s.callID] = registryEntry{session: s, cancel: cancel}
	return nil
}

// Remove evicts s. It only removes the entry if it still refers to s, so a
// late cleanup cannot evict a newer session for the same call id. Reports
// whether an entry was removed.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s.callID]
	if !ok || e.session != s {
		return false
	}
	delete(r.sessions, s.callID)
	return true
}

// Cancel signals the session for callID to stop with cause. The session stays
// registered until its owner removes it. Reports whether a session was found.
func (r *Registry) Cancel(callID string, cause error) bool {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel(cause)
	}
	return true
}

// Has reports whether callID has an active session.
func (r *Registry) Has(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[callID]
	return ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CallIDs returns the active call ids in sorted order.
func (r *Registry) CallIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}
