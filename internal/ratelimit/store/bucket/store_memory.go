package bucket

import (
	"context"
	"sync"
	"time"

	"consentry/internal/ratelimit/models"
)

// InMemoryBucketStore keeps fixed windows in process memory. It is the
// default for single-instance deployments and the fallback when Redis fails.
type InMemoryBucketStore struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	now     func() time.Time
}

type fixedWindow struct {
	count     int
	expiresAt time.Time
}

type MemoryOption func(*InMemoryBucketStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryBucketStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryBucketStore creates a new in-memory bucket store.
func NewInMemoryBucketStore(opts ...MemoryOption) *InMemoryBucketStore {
	s := &InMemoryBucketStore{
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow increments the window for key and reports whether it is within limit.
// The first hit opens a window of the given length; once it expires the
// count starts over.
func (s *InMemoryBucketStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &fixedWindow{expiresAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++

	return models.NewResult(w.count, limit, w.expiresAt, now), nil
}

// EvictExpired drops windows that have expired and returns how many were removed.
func (s *InMemoryBucketStore) EvictExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of tracked windows.
func (s *InMemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
