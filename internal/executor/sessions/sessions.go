// Package sessions keeps live engine sessions keyed by execution so a retry
// can continue the same conversation instead of spawning a fresh process.
package sessions

import "sync"

// Session is a live engine connection that can be shut down.
type Session interface {
	Close() error
}

// Store is a concurrency-safe registry of open sessions. Close and CloseAll
// are idempotent; closing a missing key is a no-op.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// Get returns the session stored under key.
func (s *Store) Get(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Put stores a session under key. A different session already stored there
// is closed before being displaced.
func (s *Store) Put(key string, sess Session) {
	s.mu.Lock()
	old, ok := s.sessions[key]
	s.sessions[key] = sess
	s.mu.Unlock()
	if ok && old != sess {
		_ = old.Close()
	}
}

// Close shuts down and removes the session stored under key.
func (s *Store) Close(key string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

// CloseAll shuts down every stored session. Used on executor shutdown.
func (s *Store) CloseAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]Session)
	s.mu.Unlock()
	for _, sess := range all {
		_ = sess.Close()
	}
}

// Len reports how many sessions are open.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
