package identity

import "sync"

// MemoryStore keeps a token in memory, for server-side sessions and for
// clients without a cookie jar.
type MemoryStore struct {
	mu    sync.RWMutex
	token Token
	set   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Read() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.set
}

func (s *MemoryStore) Write(t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
	s.set = true
	return nil
}
