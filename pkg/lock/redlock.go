package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis/rueidislock"
)

type redlockHold struct {
	ctx     context.Context
	release context.CancelFunc
}

// RedlockStrategy delegates to rueidislock, which holds the lock on a majority of keys and keeps extending them
// while the holding process is alive. The lease is enforced by canceling the lock context once it elapses;
// keys left by a crashed process expire after the locker's key validity.
type RedlockStrategy struct {
	locker rueidislock.Locker
	key    string
	mu     sync.Mutex
	holds  map[string]*redlockHold
}

func NewRedlockStrategy(locker rueidislock.Locker, key string) *RedlockStrategy {
	return &RedlockStrategy{
		locker: locker,
		key:    key,
		holds:  map[string]*redlockHold{},
	}
}

func (s *RedlockStrategy) Acquire(ctx context.Context, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holds[owner]; ok {
		if h.ctx.Err() == nil {
			return true, nil
		}
		delete(s.holds, owner)
	}

	// The lease is detached from ctx; it ends with Release or when it elapses.
	leaseCtx, cancelLease := context.WithTimeout(context.WithoutCancel(ctx), lease)
	lockCtx, unlock, err := s.locker.TryWithContext(leaseCtx, s.key)
	if err != nil {
		cancelLease()
		if errors.Is(err, rueidislock.ErrNotLocked) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w: %w", ErrBackendUnavailable, err)
	}
	h := &redlockHold{
		ctx: lockCtx,
		release: func() {
			unlock()
			cancelLease()
		},
	}
	s.holds[owner] = h
	go func() {
		<-lockCtx.Done()
		h.release()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.holds[owner] == h {
			delete(s.holds, owner)
		}
	}()
	return true, nil
}

func (s *RedlockStrategy) Release(ctx context.Context, owner string) error {
	s.mu.Lock()
	h, ok := s.holds[owner]
	delete(s.holds, owner)
	s.mu.Unlock()
	if ok {
		h.release()
	}
	return nil
}
