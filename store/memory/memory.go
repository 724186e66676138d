package memory

import (
	"sync"

	"github.com/risa-org/zonis/session"
)

// Store is the connection registry: identifier -> live session.
// It is the only owner of the mapping and every access goes through mu.
// Nothing survives a restart; clients identify again on reconnect.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates an empty registry.
func New() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

// Put installs sess under identifier, replacing any prior entry.
func (s *Store) Put(identifier string, sess *session.Session) {
	s.mu.Lock()
	s.sessions[identifier] = sess
	s.mu.Unlock()
}

// Get returns the session registered under identifier.
func (s *Store) Get(identifier string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[identifier]
	return sess, ok
}

// Remove deletes identifier. Removing an absent identifier is a no-op.
func (s *Store) Remove(identifier string) {
	s.mu.Lock()
	delete(s.sessions, identifier)
	s.mu.Unlock()
}

// Entry is one registry row, as returned by All.
type Entry struct {
	Identifier string
	Session    *session.Session
}

// All returns a snapshot of every registered entry, in no particular order.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0, len(s.sessions))
	for id, sess := range s.sessions {
		entries = append(entries, Entry{Identifier: id, Session: sess})
	}
	return entries
}

// Claim installs sess under identifier when the slot is free, or when it
// is taken and replace is true. The check and the install happen under
// one lock so two handshakes for the same identifier cannot both win.
// prev is the entry that was replaced, if any; ok is false when the slot
// was taken and replace was false, in which case nothing changed.
func (s *Store) Claim(identifier string, sess *session.Session, replace bool) (prev *session.Session, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, taken := s.sessions[identifier]
	if taken && !replace {
		return prev, false
	}
	s.sessions[identifier] = sess
	return prev, true
}

// CompareAndSwap sets identifier to next only while it still maps to old.
// A nil next deletes the entry. A connection's read loop uses this to
// remove itself without touching a newer connection that superseded it.
func (s *Store) CompareAndSwap(identifier string, old, next *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[identifier] != old {
		return false
	}
	if next == nil {
		delete(s.sessions, identifier)
	} else {
		s.sessions[identifier] = next
	}
	return true
}

// Count returns the number of registered identifiers.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
