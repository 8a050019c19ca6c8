package bucket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentry/pkg/testutil"
)

// InMemoryBucketStoreSuite exercises the fixed-window counter.
//
// Justification: the limiter's guarantee ("the 11th request in a window is
// rejected, the window then resets") lives entirely in this arithmetic.
type InMemoryBucketStoreSuite struct {
	suite.Suite
	now   time.Time
	store *InMemoryBucketStore
}

func TestInMemoryBucketStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryBucketStoreSuite))
}

func (s *InMemoryBucketStoreSuite) SetupTest() {
	s.now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s.store = NewInMemoryBucketStore(WithClock(func() time.Time { return s.now }))
}

func (s *InMemoryBucketStoreSuite) TestEleventhRequestRejected() {
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		res, err := s.store.Allow(ctx, "k", 10, 10*time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed, "request %d should pass", i)
		s.Equal(10-i, res.Remaining)
	}

	res, err := s.store.Allow(ctx, "k", 10, 10*time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(600, res.RetryAfter)
}

func (s *InMemoryBucketStoreSuite) TestWindowResetsAfterExpiry() {
	ctx := context.Background()
	for range 11 {
		_, _ = s.store.Allow(ctx, "k", 10, 10*time.Minute)
	}

	s.now = s.now.Add(10*time.Minute - time.Second)
	res, _ := s.store.Allow(ctx, "k", 10, 10*time.Minute)
	s.False(res.Allowed, "still inside the window")

	s.now = s.now.Add(time.Second)
	res, _ = s.store.Allow(ctx, "k", 10, 10*time.Minute)
	s.True(res.Allowed, "window elapsed")
	s.Equal(9, res.Remaining)
}

func (s *InMemoryBucketStoreSuite) TestKeysAreIndependent() {
	ctx := context.Background()
	for range 11 {
		_, _ = s.store.Allow(ctx, "a", 10, time.Minute)
	}
	res, _ := s.store.Allow(ctx, "b", 10, time.Minute)
	s.True(res.Allowed)
}

func (s *InMemoryBucketStoreSuite) TestEvictExpired() {
	ctx := context.Background()
	_, _ = s.store.Allow(ctx, "short", 10, time.Minute)
	_, _ = s.store.Allow(ctx, "long", 10, time.Hour)

	s.now = s.now.Add(2 * time.Minute)
	evicted, err := s.store.EvictExpired(ctx)
	s.Require().NoError(err)
	s.Equal(1, evicted)
	s.Equal(1, s.store.Len())

	res, err := s.store.Allow(ctx, "long", 2, time.Hour)
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Zero(res.Remaining, "the live window kept its first hit")
}

func (s *InMemoryBucketStoreSuite) TestConcurrentBurstNeverExceedsLimit() {
	store := NewInMemoryBucketStore()
	var mu sync.Mutex
	allowed := 0

	testutil.RunConcurrent(50, func(int) error {
		res, err := store.Allow(context.Background(), "burst", 10, time.Minute)
		if err != nil {
			return err
		}
		if res.Allowed {
			mu.Lock()
			allowed++
			mu.Unlock()
		}
		return nil
	})

	s.Equal(10, allowed)
}
