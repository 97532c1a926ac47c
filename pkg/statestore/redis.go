package statestore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/castaneai/ticketregistry/pkg/ticket"
)

const (
	// The hash tag keeps every key of a store in one cluster slot so that the scripts below stay atomic.
	DefaultRedisKeyPrefix = "{ticketregistry}:"
	redisFieldData        = "data"
	redisFieldParent      = "parent"
)

// KEYS: ticket, index, parent's children set, parent ticket
// ARGV: id, data, parent id
var insertScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if ARGV[3] ~= '' and redis.call('EXISTS', KEYS[4]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'parent', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[3] ~= '' then
  redis.call('SADD', KEYS[3], ARGV[1])
end
return 1
`)

// KEYS: ticket
// ARGV: data
var replaceScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1])
return 1
`)

// KEYS: index
// ARGV: id, key prefix
var deleteScript = rueidis.NewLuaScript(`
local prefix = ARGV[2]
local root = prefix .. 'ticket:' .. ARGV[1]
if redis.call('EXISTS', root) == 0 then
  return 0
end
local parent = redis.call('HGET', root, 'parent')
if parent and parent ~= '' then
  redis.call('SREM', prefix .. 'children:' .. parent, ARGV[1])
end
local removed = 0
local stack = {ARGV[1]}
while #stack > 0 do
  local id = table.remove(stack)
  local children = redis.call('SMEMBERS', prefix .. 'children:' .. id)
  for _, child in ipairs(children) do
    table.insert(stack, child)
  end
  redis.call('DEL', prefix .. 'children:' .. id)
  removed = removed + redis.call('DEL', prefix .. 'ticket:' .. id)
  redis.call('SREM', KEYS[1], id)
end
return removed
`)

type redisOpts struct {
	keyPrefix string
}

func defaultRedisOpts() *redisOpts {
	return &redisOpts{
		keyPrefix: DefaultRedisKeyPrefix,
	}
}

type RedisOption interface {
	apply(opts *redisOpts)
}

type RedisOptionFunc func(opts *redisOpts)

func (f RedisOptionFunc) apply(opts *redisOpts) {
	f(opts)
}

// WithRedisKeyPrefix sets the prefix of every key. Keep a {hash tag} in it when running on Redis Cluster.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return RedisOptionFunc(func(opts *redisOpts) {
		opts.keyPrefix = prefix
	})
}

// RedisStore keeps each ticket in a hash, all ticket ids in an index set and the children of a ticket in a set.
// A cascading delete runs as a single Lua script, so readers see either the whole family or none of it.
type RedisStore struct {
	client rueidis.Client
	opts   *redisOpts
}

func NewRedisStore(client rueidis.Client, opts ...RedisOption) *RedisStore {
	ro := defaultRedisOpts()
	for _, o := range opts {
		o.apply(ro)
	}
	return &RedisStore{
		client: client,
		opts:   ro,
	}
}

func (s *RedisStore) Insert(ctx context.Context, t *ticket.Ticket) error {
	data, err := encodeTicket(t)
	if err != nil {
		return err
	}
	keys := []string{s.ticketKey(t.ID), s.indexKey(), s.childrenKey(t.ParentID), s.ticketKey(t.ParentID)}
	args := []string{t.ID, rueidis.BinaryString(data), t.ParentID}
	n, err := insertScript.Exec(ctx, s.client, keys, args).AsInt64()
	if err != nil {
		return redisError("failed to insert ticket", err)
	}
	switch n {
	case 0:
		return fmt.Errorf("%w: %s", ErrTicketExists, t.ID)
	case -1:
		return fmt.Errorf("%w: %s", ErrParentNotFound, t.ParentID)
	}
	return nil
}

func (s *RedisStore) Replace(ctx context.Context, t *ticket.Ticket) error {
	data, err := encodeTicket(t)
	if err != nil {
		return err
	}
	n, err := replaceScript.Exec(ctx, s.client, []string{s.ticketKey(t.ID)}, []string{rueidis.BinaryString(data)}).AsInt64()
	if err != nil {
		return redisError("failed to replace ticket", err)
	}
	if n == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	query := s.client.B().Hget().Key(s.ticketKey(ticketID)).Field(redisFieldData).Build()
	data, err := s.client.Do(ctx, query).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrTicketNotFound
		}
		return nil, redisError("failed to get ticket", err)
	}
	return decodeTicket(data)
}

func (s *RedisStore) Children(ctx context.Context, ticketID string) ([]*ticket.Ticket, error) {
	query := s.client.B().Smembers().Key(s.childrenKey(ticketID)).Build()
	ids, err := s.client.Do(ctx, query).AsStrSlice()
	if err != nil {
		return nil, redisError("failed to get children", err)
	}
	return s.getTickets(ctx, ids)
}

func (s *RedisStore) Delete(ctx context.Context, ticketID string) (int, error) {
	n, err := deleteScript.Exec(ctx, s.client, []string{s.indexKey()}, []string{ticketID, s.opts.keyPrefix}).AsInt64()
	if err != nil {
		return 0, redisError("failed to delete ticket", err)
	}
	return int(n), nil
}

func (s *RedisStore) Scan(ctx context.Context, cursor string, count int) ([]*ticket.Ticket, string, error) {
	var c uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scan cursor %q: %w", cursor, err)
		}
		c = parsed
	}
	query := s.client.B().Sscan().Key(s.indexKey()).Cursor(c).Count(int64(count)).Build()
	entry, err := s.client.Do(ctx, query).AsScanEntry()
	if err != nil {
		return nil, "", redisError("failed to scan ticket index", err)
	}
	tickets, err := s.getTickets(ctx, entry.Elements)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if entry.Cursor != 0 {
		next = strconv.FormatUint(entry.Cursor, 10)
	}
	return tickets, next, nil
}

func (s *RedisStore) getTickets(ctx context.Context, ticketIDs []string) ([]*ticket.Ticket, error) {
	if len(ticketIDs) == 0 {
		return nil, nil
	}
	queries := make(rueidis.Commands, 0, len(ticketIDs))
	for _, ticketID := range ticketIDs {
		queries = append(queries, s.client.B().Hget().Key(s.ticketKey(ticketID)).Field(redisFieldData).Build())
	}
	tickets := make([]*ticket.Ticket, 0, len(ticketIDs))
	for _, resp := range s.client.DoMulti(ctx, queries...) {
		data, err := resp.AsBytes()
		if err != nil {
			// deleted between the index scan and this read
			if rueidis.IsRedisNil(err) {
				continue
			}
			return nil, redisError("failed to get tickets", err)
		}
		t, err := decodeTicket(data)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	query := s.client.B().Scard().Key(s.indexKey()).Build()
	n, err := s.client.Do(ctx, query).AsInt64()
	if err != nil {
		return 0, redisError("failed to count tickets", err)
	}
	return n, nil
}

// Drop removes the ticket, children and index keys. Other keys under the prefix, such as the cleaner lock, stay.
func (s *RedisStore) Drop(ctx context.Context) error {
	for _, pattern := range []string{s.ticketKey("*"), s.childrenKey("*")} {
		if err := s.dropMatching(ctx, pattern); err != nil {
			return err
		}
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.indexKey()).Build()).Error(); err != nil {
		return redisError("failed to drop ticket index", err)
	}
	return nil
}

func (s *RedisStore) dropMatching(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		query := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(1000).Build()
		entry, err := s.client.Do(ctx, query).AsScanEntry()
		if err != nil {
			return redisError("failed to scan keys", err)
		}
		if len(entry.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return redisError("failed to drop keys", err)
			}
		}
		if entry.Cursor == 0 {
			return nil
		}
		cursor = entry.Cursor
	}
}

func (s *RedisStore) indexKey() string {
	return s.opts.keyPrefix + "index"
}

func (s *RedisStore) ticketKey(ticketID string) string {
	return s.opts.keyPrefix + "ticket:" + ticketID
}

func (s *RedisStore) childrenKey(ticketID string) string {
	return s.opts.keyPrefix + "children:" + ticketID
}

// redisError marks failures that did not come from the Redis server itself as connectivity failures.
func redisError(msg string, err error) error {
	if _, ok := rueidis.IsRedisErr(err); ok {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w", msg, unavailable(err))
}
