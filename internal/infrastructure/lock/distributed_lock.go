package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis lock protocol:
//
//	acquire: SET key value NX EX ttl
//	release: compare value and DEL in one Lua script, so a holder whose lease
//	         expired cannot delete the lock somebody else now holds.

var ErrLockFailed = errors.New("failed to acquire lock")

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes a single non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// Locker serialises work on one key across callers.
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (unlock func(), err error)
}

// RedisLocker hands out DistributedLocks, so every instance of the service
// shares the same lock space.
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string) (func(), error) {
	dl := NewDistributedLock(l.client, key, owner, l.expiration)
	if err := dl.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// the lease expires on its own if this fails
		_ = dl.Unlock(context.Background())
	}, nil
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
// A key's entry lives only while someone holds or waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key, _ string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			l.release(key, entry)
		}, nil
	case <-ctx.Done():
		l.release(key, entry)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(key string, entry *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// ProjectLockKey is the key start and cancel of one project contend on.
func ProjectLockKey(projectID string) string {
	return fmt.Sprintf("project:lock:%s", projectID)
}
