package lock

import (
	"context"
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/jonboulle/clockwork"
)

// MemoryStrategy serializes owners within one process. Leases are measured on the injected clock only.
type MemoryStrategy struct {
	key   string
	clock clockwork.Clock
	mu    sync.Mutex
	locks *cache.Cache[string, *Lock]
}

func NewMemoryStrategy(key string, clock clockwork.Clock) *MemoryStrategy {
	return &MemoryStrategy{
		key:   key,
		clock: clock,
		locks: cache.New[string, *Lock](),
	}
}

func (s *MemoryStrategy) Acquire(ctx context.Context, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if held := s.current(now); held != nil && held.Owner != owner {
		return false, nil
	}
	s.locks.Set(s.key, &Lock{
		Key:        s.key,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	})
	return true, nil
}

func (s *MemoryStrategy) Release(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held := s.current(s.clock.Now()); held != nil && held.Owner == owner {
		s.locks.Delete(s.key)
	}
	return nil
}

// Holder returns the current lock record, or nil if the lock is free.
func (s *MemoryStrategy) Holder(ctx context.Context) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.current(s.clock.Now())
	if held == nil {
		return nil, nil
	}
	l := *held
	return &l, nil
}

func (s *MemoryStrategy) current(now time.Time) *Lock {
	held, ok := s.locks.Get(s.key)
	if !ok || !now.Before(held.ExpiresAt) {
		return nil
	}
	return held
}
