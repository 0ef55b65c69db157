package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerialisesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Acquire(ctx, ProjectLockKey("p1"), "owner")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLockerDifferentKeysDoNotBlock(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlockA, err := locker.Acquire(ctx, ProjectLockKey("a"), "x")
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	unlockB, err := locker.Acquire(ctx2, ProjectLockKey("b"), "y")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Acquire(context.Background(), "k", "x")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k", "y")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProjectLockKey(t *testing.T) {
	assert.Equal(t, "project:lock:PRJ1", ProjectLockKey("PRJ1"))
}

func TestLocalLockerDropsIdleKeys(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		unlock, err := locker.Acquire(ctx, ProjectLockKey(fmt.Sprintf("p%d", i)), "x")
		require.NoError(t, err)
		unlock()
	}
	assert.Empty(t, locker.locks)

	unlock, err := locker.Acquire(ctx, "k", "x")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, "k", "y")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, locker.locks, 1)

	unlock()
	assert.Empty(t, locker.locks)
}
