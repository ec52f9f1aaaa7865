package store

import "sync"

// MemoryStore provides an in-memory CredentialStore implementation for tests.
// Writes are applied synchronously; Flush is a no-op.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
	has   bool
	flags map[string]string
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{flags: make(map[string]string)}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// Flush is a no-op for MemoryStore.
func (s *MemoryStore) Flush() {}

// Token returns the stored credential, or ok=false if absent.
func (s *MemoryStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.has
}

// SetToken stores the credential; an empty token removes it.
func (s *MemoryStore) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		s.token, s.has = "", false
		return
	}
	s.token, s.has = token, true
}

// Flag returns a stored flag value, or ok=false if absent.
func (s *MemoryStore) Flag(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.flags[key]
	return v, ok
}

// SetFlag stores a flag.
func (s *MemoryStore) SetFlag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = value
}

// ClearAll removes every stored key.
func (s *MemoryStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.has = "", false
	s.flags = make(map[string]string)
}
