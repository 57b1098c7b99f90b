package locking

import (
	"context"
	"sync"
)

// MemoryLock is a process-local Lock used by tests. It provides the same
// try-once semantics as the distributed implementations.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: map[string]bool{}}
}

func (l *MemoryLock) TryAcquire(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[name] {
		return ErrLockNotHeld
	}
	delete(l.held, name)
	return nil
}
