// Package registry tracks bridge sessions for the lifetime of the
// process. It is the only structure shared across sessions: the
// initiator inserts Pending entries, the websocket endpoint claims
// them, and the bridge removes them on teardown. Sessions are not
// persisted beyond process lifetime.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the bridge session lifecycle state.
type State string

const (
	// StatePending means the session was initiated but no transport has
	// connected yet.
	StatePending State = "pending"
	// StateAuthenticating means a transport has claimed the session and
	// the SSH connection is being established.
	StateAuthenticating State = "authenticating"
	// StateActive means the bidirectional pump is running.
	StateActive State = "active"
	// StateClosing means teardown has begun.
	StateClosing State = "closing"
	// StateClosed is terminal.
	StateClosed State = "closed"
)

// ErrSessionNotFound means no claimable session matches the given
// target and session identifiers.
var ErrSessionNotFound = errors.New("registry: session not found")

// Session is one live or pending bridge instance. The identifier is a
// random UUID, unguessable and collision-resistant. Decrypted key
// material is never stored here.
type Session struct {
	ID          string
	TargetID    uint
	OwnerUserID uint
	CreatedAt   time.Time

	mu    sync.Mutex
	state State
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Registry is the process-wide session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create allocates a fresh Pending session. Every call yields a new
// session; initiation is not idempotent.
func (r *Registry) Create(targetID, ownerUserID uint) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		TargetID:    targetID,
		OwnerUserID: ownerUserID,
		CreatedAt:   time.Now(),
		state:       StatePending,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Claim hands a Pending session to a connecting transport and moves it
// to Authenticating. A session can be claimed once: a second claim, a
// wrong target, or an unknown identifier all fail with
// ErrSessionNotFound.
func (r *Registry) Claim(targetID uint, sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || s.TargetID != targetID {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return nil, ErrSessionNotFound
	}
	s.state = StateAuthenticating
	return s, nil
}

// Get returns a session by ID, or nil if not tracked.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Remove drops the session from the table and marks it Closed.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		s.SetState(StateClosed)
	}
}

// List returns a snapshot of all tracked sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepPending removes Pending sessions older than ttl. Callers that
// initiate but never connect the transport would otherwise leave
// entries behind forever. Returns the number removed.
func (r *Registry) SweepPending(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if s.State() == StatePending && s.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
			s.SetState(StateClosed)
			removed++
		}
	}
	return removed
}
