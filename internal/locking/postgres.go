package locking

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PostgresLock implements Lock on top of pg_try_advisory_lock. Advisory
// locks are session-scoped, so the holder keeps a dedicated connection
// pinned for the duration of the lock; if the process dies, Postgres
// releases the lock when the session drops.
type PostgresLock struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func NewPostgresLock(db *gorm.DB, logger *zap.Logger) (*PostgresLock, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return &PostgresLock{
		db:     sqlDB,
		logger: logger,
		conns:  map[string]*sql.Conn{},
	}, nil
}

// lockKey maps a lock name onto the bigint key space advisory locks use.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *PostgresLock) TryAcquire(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.conns[name]; held {
		// Already held by this instance; advisory locks are reentrant
		// per session but the worker never nests acquisitions.
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to obtain lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(name)).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}

	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	l.conns[name] = conn
	l.logger.Debug("Advisory lock acquired", zap.String("lock_name", name))
	return true, nil
}

func (l *PostgresLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	conn, held := l.conns[name]
	delete(l.conns, name)
	l.mu.Unlock()

	if !held {
		return fmt.Errorf("advisory lock %q is not held by this instance", name)
	}

	var released bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey(name)).Scan(&released)
	// Returning the connection to the pool drops the session lock even
	// if the unlock statement itself failed.
	closeErr := conn.Close()

	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		l.logger.Warn("Advisory lock was not held at release", zap.String("lock_name", name))
	}
	return closeErr
}
