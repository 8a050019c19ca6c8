package revision

import (
	"context"
	"sync"
)

// MemoryStore keeps the revision in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	rev int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rev: Initial}
}

func (s *MemoryStore) Get(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev, nil
}

func (s *MemoryStore) Increment(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	return s.rev, nil
}
