package session

import "sync"

// Registry maps call IDs to live sessions. Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s, returning the session it replaced under the same call
// ID, if any.
func (r *Registry) Add(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.sessions[s.CallID()]
	r.sessions[s.CallID()] = s
	return replaced
}

// Get returns the session for callID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Contains reports whether callID has a live session.
func (r *Registry) Contains(callID string) bool {
	_, ok := r.Get(callID)
	return ok
}

// Remove deletes callID only if it still maps to s, so a late teardown
// never evicts a newer session for the same call. Returns true if removed.
func (r *Registry) Remove(callID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[callID]; ok && cur == s {
		delete(r.sessions, callID)
		return true
	}
	return false
}

// RequestHangup sets the hangup flag of callID's session. Returns false if
// the call is unknown or already tearing down.
func (r *Registry) RequestHangup(callID string) bool {
	s, ok := r.Get(callID)
	if !ok || s.Terminated() {
		return false
	}
	s.RequestHangup()
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CallIDs returns a snapshot of registered call IDs.
func (r *Registry) CallIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
