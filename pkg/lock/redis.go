package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
)

const DefaultRedisKeyPrefix = "{ticketregistry}:lock:"

// KEYS: lock
// ARGV: owner, lease in milliseconds, acquired at (unix ms), expires at (unix ms)
var acquireScript = rueidis.NewLuaScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner and owner ~= ARGV[1] then
  return 0
end
if not owner then
  redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired_at', ARGV[3])
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// KEYS: lock
// ARGV: owner
var releaseScript = rueidis.NewLuaScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStrategy keeps the lock record in a hash whose key expires with the lease.
type RedisStrategy struct {
	client rueidis.Client
	key    string
	clock  clockwork.Clock
}

func NewRedisStrategy(client rueidis.Client, key string, clock clockwork.Clock) *RedisStrategy {
	return &RedisStrategy{
		client: client,
		key:    key,
		clock:  clock,
	}
}

func (s *RedisStrategy) Acquire(ctx context.Context, owner string, lease time.Duration) (bool, error) {
	if lease < time.Millisecond {
		return false, fmt.Errorf("lease %s is shorter than a millisecond", lease)
	}
	now := s.clock.Now()
	args := []string{
		owner,
		strconv.FormatInt(lease.Milliseconds(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
	}
	n, err := acquireScript.Exec(ctx, s.client, []string{s.redisKey()}, args).AsInt64()
	if err != nil {
		return false, redisError("failed to acquire lock", err)
	}
	return n == 1, nil
}

func (s *RedisStrategy) Release(ctx context.Context, owner string) error {
	if err := releaseScript.Exec(ctx, s.client, []string{s.redisKey()}, []string{owner}).Error(); err != nil {
		return redisError("failed to release lock", err)
	}
	return nil
}

// Holder returns the current lock record, or nil if the lock is free.
func (s *RedisStrategy) Holder(ctx context.Context) (*Lock, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.redisKey()).Build()).AsStrMap()
	if err != nil {
		return nil, redisError("failed to get lock", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	acquiredAt, _ := strconv.ParseInt(fields["acquired_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	return &Lock{
		Key:        s.key,
		Owner:      fields["owner"],
		AcquiredAt: time.UnixMilli(acquiredAt),
		ExpiresAt:  time.UnixMilli(expiresAt),
	}, nil
}

func (s *RedisStrategy) redisKey() string {
	return DefaultRedisKeyPrefix + s.key
}

func redisError(msg string, err error) error {
	if _, ok := rueidis.IsRedisErr(err); ok || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrBackendUnavailable, err)
}
