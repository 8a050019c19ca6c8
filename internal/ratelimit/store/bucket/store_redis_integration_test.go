//go:build integration

package bucket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentry/pkg/testutil/containers"
)

type RedisBucketStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *RedisBucketStore
}

func TestRedisBucketStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisBucketStoreSuite))
}

func (s *RedisBucketStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = NewRedisBucketStore(s.redis.Client)
}

func (s *RedisBucketStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.Flush(context.Background()))
}

func (s *RedisBucketStoreSuite) TestEleventhRequestRejected() {
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		res, err := s.store.Allow(ctx, "rl:k", 10, 10*time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
	}
	res, err := s.store.Allow(ctx, "rl:k", 10, 10*time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Greater(res.RetryAfter, 590)
}

func (s *RedisBucketStoreSuite) TestKeyExpiryResetsWindow() {
	ctx := context.Background()
	for range 3 {
		_, _ = s.store.Allow(ctx, "rl:short", 2, 200*time.Millisecond)
	}
	s.Eventually(func() bool {
		res, err := s.store.Allow(ctx, "rl:short", 2, 200*time.Millisecond)
		return err == nil && res.Allowed
	}, 2*time.Second, 50*time.Millisecond)
}

func (s *RedisBucketStoreSuite) TestConcurrentIncrementsAreAtomic() {
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.store.Allow(ctx, "rl:burst", 10, time.Minute)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(10, allowed)
}
