package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// A crashed holder frees the lease after the TTL, so it must cover one cycle of due jobs.
const defaultLockTTL = 10 * time.Minute

// Lock coordinates exclusive cron runs across worker replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisLock is a SETNX lease. The stored value names this process so Release
// never drops a lease another replica took over after expiry.
type RedisLock struct {
	store lockStore
	key   string
	ttl   time.Duration
	owner string
	held  bool
}

func NewRedisLock(store lockStore, key string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl, owner: lockOwner()}, nil
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cron-worker"
	}
	return host + "/" + uuid.NewString()
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.held = ok
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false

	current, err := l.store.Get(ctx, l.key)
	switch {
	case errors.Is(err, redis.Nil):
		return nil
	case err != nil:
		return fmt.Errorf("read lock owner: %w", err)
	case current != l.owner:
		return nil
	}
	if err := l.store.Del(ctx, l.key); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
