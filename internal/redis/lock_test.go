package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithSlotLockRunsAndReleases(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second, 100*time.Millisecond)
	slotID := uuid.New()

	ran := false
	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(lockKey(slotID)), "lock key should be held inside the critical section")
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(lockKey(slotID)), "lock key should be released")
}

func TestWithSlotLockGivesUpAfterWait(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second, 60*time.Millisecond)
	slotID := uuid.New()

	require.NoError(t, mr.Set(lockKey(slotID), "someone-else"))

	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	val, _ := mr.Get(lockKey(slotID))
	assert.Equal(t, "someone-else", val, "a foreign lock must not be released")
}

func TestWithSlotLockWaitsForHolder(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second, time.Second)
	slotID := uuid.New()

	require.NoError(t, mr.Set(lockKey(slotID), "someone-else"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		mr.Del(lockKey(slotID))
	}()

	ran := false
	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithSlotLockSerializesHolders(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second, 5*time.Second)
	slotID := uuid.New()

	var inside, maxInside, runs int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), runs)
	assert.Equal(t, int32(1), maxInside)
}

func TestWithSlotLockBackendDown(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisSlotLocker(client, time.Second, time.Second)
	mr.Close()

	err := locker.WithSlotLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrLockUnavailable)
}

func TestNopLocker(t *testing.T) {
	called := false
	err := NopLocker{}.WithSlotLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), mr.Addr(), "", "")
	require.NoError(t, err)
	require.NoError(t, client.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), addr, "", "")
	require.Error(t, err)
}
