//go:build integration

package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"idverify/internal/verification/lock"
	"idverify/pkg/testutil/containers"
)

type RedisLockerIntegrationSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	locker *lock.RedisLocker
}

func TestRedisLockerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RedisLockerIntegrationSuite))
}

func (s *RedisLockerIntegrationSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.locker = lock.NewRedisLocker(s.redis.Client)
}

func (s *RedisLockerIntegrationSuite) SetupTest() {
	s.Require().NoError(s.redis.DeleteKeys(context.Background(), "idverify:saga-lock:*"))
}

func (s *RedisLockerIntegrationSuite) TestOnlyOneReplicaWins() {
	ctx := context.Background()
	const replicas = 16

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	start := make(chan struct{})
	for range replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.locker.Acquire(ctx, "saga-1", time.Minute); err == nil {
				winners.Add(1)
			} else {
				require.ErrorIs(s.T(), err, lock.ErrLocked)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), winners.Load())
}

func (s *RedisLockerIntegrationSuite) TestLeaseExpires() {
	ctx := context.Background()
	_, err := s.locker.Acquire(ctx, "saga-2", 200*time.Millisecond)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		_, err := s.locker.Acquire(ctx, "saga-2", time.Minute)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func (s *RedisLockerIntegrationSuite) TestStaleTokenCannotRelease() {
	ctx := context.Background()
	token, err := s.locker.Acquire(ctx, "saga-3", time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.locker.Release(ctx, "saga-3", "not-the-owner"))
	_, err = s.locker.Acquire(ctx, "saga-3", time.Minute)
	s.ErrorIs(err, lock.ErrLocked)

	s.Require().NoError(s.locker.Release(ctx, "saga-3", token))
	_, err = s.locker.Acquire(ctx, "saga-3", time.Minute)
	s.NoError(err)
}
