// Package lock provides short-lived mutual exclusion across workers.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lock is a held lease
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out leases on keys. TryAcquire returns (nil, false, nil) when
// the key is already held.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker implements Locker with SET NX and ownership-checked release
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, fmt.Errorf("generating lock token: %w", err)
	}
	lk := &redisLock{client: l.client, key: "lock:" + key, value: hex.EncodeToString(b)}

	ok, err := l.client.SetNX(ctx, lk.key, lk.value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", lk.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return lk, true, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	value  string
}

func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extending lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s is no longer held", l.key)
	}
	return nil
}

// LocalLocker is an in-process Locker for single-process deployments without Redis
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, false, nil
	}
	exp := l.now().Add(ttl)
	l.held[key] = exp
	return &localLock{parent: l, key: key, exp: exp}, true, nil
}

type localLock struct {
	parent *LocalLocker
	key    string
	exp    time.Time
}

func (l *localLock) Release(ctx context.Context) error {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	if l.parent.held[l.key] == l.exp {
		delete(l.parent.held, l.key)
	}
	return nil
}

func (l *localLock) Extend(ctx context.Context, ttl time.Duration) error {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	if l.parent.held[l.key] != l.exp {
		return fmt.Errorf("lock %s is no longer held", l.key)
	}
	l.exp = l.parent.now().Add(ttl)
	l.parent.held[l.key] = l.exp
	return nil
}
