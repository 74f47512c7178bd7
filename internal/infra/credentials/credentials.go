// Package credentials holds the process-wide bearer credential used by
// outbound requests. Acquisition and refresh are driven externally (login
// flow, token rotation); this package only stores the current value.
package credentials

import "sync"

// Store is a thread-safe holder for one bearer token.
type Store struct {
	mu    sync.RWMutex
	token string
}

// NewStore creates a store seeded with an initial token (may be empty).
func NewStore(token string) *Store {
	return &Store{token: token}
}

// Set replaces the current token. An empty value clears it.
func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Token returns the current bearer token, or "" when none is available.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}
