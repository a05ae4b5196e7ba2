package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// Registry tracks all live sessions.
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	outboxSize int
}

// NewRegistry creates an empty Registry whose sessions queue at most
// outboxSize envelopes each.
func NewRegistry(outboxSize int) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		outboxSize: outboxSize,
	}
}

// Add registers a new session for t.
//
// Precondition: t must be non-nil.
// Postcondition: Returns the session under a fresh id.
func (r *Registry) Add(t Transport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	for _, exists := r.sessions[id]; exists; _, exists = r.sessions[id] {
		id = uuid.NewString()
	}
	sess := newSession(id, t, r.outboxSize)
	r.sessions[id] = sess
	observability.RecordSessionOpened()
	return sess
}

// Remove drops the session and closes its outbox so its writer drains and exits.
//
// Postcondition: Returns an error if id is not registered.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[id]
	if !exists {
		return fmt.Errorf("session %q not found", id)
	}
	_ = sess.outbox.Close()
	delete(r.sessions, id)
	observability.RecordSessionClosed()
	return nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Broadcast queues env for every live session.
//
// Postcondition: Returns the number of sessions that accepted env.
func (r *Registry) Broadcast(env protocol.Envelope) int {
	delivered := 0
	for _, sess := range r.All() {
		if sess.Send(env) == nil {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}
