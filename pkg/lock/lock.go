package lock

import (
	"context"
	"errors"
	"time"
)

const DefaultKey = "ticket-cleaner"

var (
	// ErrLockUnavailable reports that another owner holds the lock. It is expected in steady state.
	ErrLockUnavailable    = errors.New("lock is held by another owner")
	ErrBackendUnavailable = errors.New("lock backend unavailable")
)

// Strategy is a cluster-wide mutual exclusion with lease semantics over a key fixed at construction.
type Strategy interface {
	// Acquire returns immediately. It reports false when a different owner holds an unexpired lease.
	// The same owner acquiring again while holding the lock succeeds.
	Acquire(ctx context.Context, owner string, lease time.Duration) (bool, error)
	// Release frees the lock if owner holds it and does nothing otherwise.
	Release(ctx context.Context, owner string) error
}

// Lock is the record of a held lock.
type Lock struct {
	Key        string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
