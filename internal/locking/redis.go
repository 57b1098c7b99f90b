package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotHeld is returned when Release is called for a lock this
// instance does not hold, or whose lease already expired.
var ErrLockNotHeld = errors.New("lock was not held or already expired")

// RedisLock implements Lock with a redsync mutex and an explicit TTL
// lease. The lease is what recovers from a crashed holder: the key
// expires and another replica's TryAcquire succeeds.
type RedisLock struct {
	rs     *redsync.Redsync
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	mutexes map[string]*redsync.Mutex
}

func NewRedisLock(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLock {
	return &RedisLock{
		rs:      redsync.New(goredis.NewPool(client)),
		ttl:     ttl,
		logger:  logger,
		mutexes: map[string]*redsync.Mutex{},
	}
}

func (l *RedisLock) TryAcquire(ctx context.Context, name string) (bool, error) {
	mutex := l.rs.NewMutex(name,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		// redsync reports contention through ErrFailed; anything else
		// (network, context cancellation) is a real failure.
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			l.logger.Debug("Lock already held by another instance", zap.String("lock_name", name))
			return false, nil
		}
		return false, fmt.Errorf("failed to attempt lock acquisition for %q: %w", name, err)
	}

	l.mu.Lock()
	l.mutexes[name] = mutex
	l.mu.Unlock()

	l.logger.Debug("Redis lock acquired", zap.String("lock_name", name), zap.Duration("ttl", l.ttl))
	return true, nil
}

func (l *RedisLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	mutex, held := l.mutexes[name]
	delete(l.mutexes, name)
	l.mu.Unlock()

	if !held {
		return ErrLockNotHeld
	}

	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	if !ok {
		l.logger.Warn("Lock lease expired before release", zap.String("lock_name", name))
		return ErrLockNotHeld
	}
	return nil
}
