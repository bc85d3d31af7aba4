package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExists is returned by [Store.Create] when the call id is already
// present.
var ErrExists = errors.New("session: call already exists")

// ErrNotFound is returned when no session exists for the call id.
var ErrNotFound = errors.New("session: call not found")

// Store is the process-wide concurrent map of call id → session. Mutating
// access is serialised per call through a per-session mutex so that
// CallSession invariants hold atomically across each Update. Iteration via
// [Store.Snapshots] copies and may observe a slightly stale view.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// entry pairs a session with its single-writer lock.
type entry struct {
	mu   sync.Mutex
	sess *CallSession
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// Create inserts a new session for sess.CallID. Returns [ErrExists] if the
// id is already present.
func (s *Store) Create(sess *CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.CallID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, sess.CallID)
	}
	s.sessions[sess.CallID] = &entry{sess: sess}
	return nil
}

// Get returns a consistent snapshot of the session for callID.
func (s *Store) Get(callID string) (Snapshot, error) {
	s.mu.RLock()
	e, ok := s.sessions[callID]
	s.mu.RUnlock()

	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.snapshot(), nil
}

// Update runs fn with exclusive access to the session for callID. All
// mutations of a CallSession must go through here; fn must not block on
// I/O or call back into the store.
func (s *Store) Update(callID string, fn func(*CallSession)) error {
	s.mu.RLock()
	e, ok := s.sessions[callID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.sess)
	return nil
}

// Remove deletes the session for callID. Removing an absent id is a no-op
// so teardown stays idempotent.
func (s *Store) Remove(callID string) {
	s.mu.Lock()
	delete(s.sessions, callID)
	s.mu.Unlock()
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshots returns a point-in-time copy of every session, for metrics and
// housekeeping sweeps. The copy is taken per session without holding the
// store-wide lock during the per-session reads, so the view across calls
// may be slightly stale; within one call it is consistent.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess.snapshot())
		e.mu.Unlock()
	}
	return out
}
