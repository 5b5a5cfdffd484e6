package session

import (
	"sync"

	"github.com/voicegate/voicegate/internal/protocol"
)

const replacedReason = "voice session replaced"

// Registry maps user ids to their live session within one process. It is
// an explicit, injectable object rather than package state, and is safe
// under concurrent connection attempts for the same user.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the live session for userID, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Replace registers sess as the live session for userID, evicting and
// closing any previous one with the replacement close code. Returns the
// evicted session, or nil.
func (r *Registry) Replace(userID string, sess *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = sess
	r.mu.Unlock()

	if prev != nil && prev != sess {
		prev.CloseSocket(protocol.CloseReplaced, replacedReason)
		return prev
	}
	return nil
}

// Remove unregisters sess, but only while it is still the registered
// session for userID; a session evicted by Replace must not unregister
// its successor during its own teardown.
func (r *Registry) Remove(userID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == sess {
		delete(r.sessions, userID)
	}
}

// Disconnect closes and unregisters the live session for userID. Reports
// whether a session was found.
func (r *Registry) Disconnect(userID string, code int, reason string) bool {
	r.mu.Lock()
	sess := r.sessions[userID]
	if sess != nil {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.CloseSocket(code, reason)
	return true
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
