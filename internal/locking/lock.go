// Package locking provides the cooperative mutual-exclusion primitive
// that coordinates delivery processing across worker replicas. Only one
// replica may run a batch at a time; a failed TryAcquire is a routine
// outcome, not an error.
package locking

import "context"

// Lock is a named, non-blocking distributed lock. TryAcquire tries
// exactly once and returns false immediately when another holder owns
// the name.
type Lock interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}
