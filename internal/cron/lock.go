package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 2 * time.Hour

// Lock gives one cron worker replica exclusive use of a schedule.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	// Extend pushes the expiry out again. It reports false once the lock
	// is no longer held by this replica.
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	TTL() time.Duration
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error)
}

// RedisLock is a SETNX lock whose extend and release only touch the key
// while it still carries this replica's owner token.
type RedisLock struct {
	store    lockStore
	key      string
	ttl      time.Duration
	instance string

	mu    sync.Mutex
	owner string
}

func NewRedisLock(store lockStore, key, instanceID string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("lock store is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if instanceID == "" {
		instanceID = "local"
	}
	return &RedisLock{store: store, key: key, ttl: ttl, instance: instanceID}, nil
}

func (l *RedisLock) TTL() time.Duration { return l.ttl }

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := l.instance + "/" + uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

func (l *RedisLock) Extend(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == "" {
		return false, nil
	}
	ok, err := l.store.ExtendIfOwner(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", l.key, err)
	}
	if !ok {
		l.owner = ""
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == "" {
		return nil
	}
	owner := l.owner
	l.owner = ""
	if _, err := l.store.ReleaseIfOwner(ctx, l.key, owner); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
