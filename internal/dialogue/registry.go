package dialogue

import (
	"errors"
	"sort"
	"sync"

	"lateraltutor/internal/logging"
)

// ErrUnknownSession is returned for a session id the registry does not hold.
var ErrUnknownSession = errors.New("unknown session")

// ErrSessionExists is returned when a session id is registered twice.
var ErrSessionExists = errors.New("session already exists")

// Registry holds the live sessions of a host process. A finished session
// leaves the registry once its persistence pushes have settled.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reserved map[string]struct{}

	retiring sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
	}
}

// Reserve claims id for a session that is still starting. The claim is
// fulfilled by Add or dropped by Release.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrSessionExists
	}
	if _, ok := r.reserved[id]; ok {
		return ErrSessionExists
	}
	r.reserved[id] = struct{}{}
	return nil
}

// Release drops a reservation that was never fulfilled.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.reserved, id)
	r.mu.Unlock()
}

// Add registers sess under its id, fulfilling a reservation if there is one.
func (r *Registry) Add(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	delete(r.reserved, sess.ID)
	r.sessions[sess.ID] = sess
	return nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// Has reports whether id is registered or reserved.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.reserved[id]; ok {
		return true
	}
	_, ok := r.sessions[id]
	return ok
}

// RemoveSettled drops sess if it has ended and both pushes have settled.
// A session with a failed push stays so the push can be retried.
func (r *Registry) RemoveSettled(sess *Session) bool {
	if !sess.Settled() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.ID] != sess {
		return false
	}
	delete(r.sessions, sess.ID)
	logging.Dialogue("Session %s released", sess.ID)
	return true
}

// Retire waits in the background for the pushes of a terminated session and
// then removes it if they settled.
func (r *Registry) Retire(sess *Session) {
	r.retiring.Add(1)
	go func() {
		defer r.retiring.Done()
		sess.Wait()
		r.RemoveSettled(sess)
	}()
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every session's background pushes have finished.
func (r *Registry) Wait() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Wait()
	}
	r.retiring.Wait()
}
