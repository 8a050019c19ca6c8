package banner

import "sync"

// MemoryStore caches the snapshot in process, for server-side rendering and
// tests.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
	set  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Snapshot{}, false
	}
	out := s.snap
	out.Categories = s.snap.Categories.Clone()
	return out, true
}

func (s *MemoryStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.snap.Categories = snap.Categories.Clone()
	s.set = true
	return nil
}
