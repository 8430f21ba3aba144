package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on top of Redis.
//
// Key structure:
//
//	<prefix>queue          => ZSET of task ids scored by the time (unix micros)
//	                          they become visible: NotBefore, or the lease
//	                          expiry while leased
//	<prefix>queue:task:<id> => HASH {data, owner, attempts, not_before}
//
// data holds the gob-encoded Task. All state changes run as Lua scripts.
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: defaultPollInterval,
	}
}

func (q *RedisQueue) keyQueue() string { return q.prefix + "queue" }

func (q *RedisQueue) keyTaskPrefix() string { return q.prefix + "queue:task:" }

func (q *RedisQueue) keyTask(id string) string { return q.keyTaskPrefix() + id }

var (
	// Claims the first visible task. Returns {id, data, attempts, not_before}
	// or nil.
	redisQueueClaimLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', key, 'owner', ARGV[3])
local f = redis.call('HMGET', key, 'data', 'attempts', 'not_before')
return {id, f[1], f[2], f[3]}
`

	redisQueueAckLua = `
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`

	redisQueueNackLua = `
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
redis.call('HSET', KEYS[2], 'owner', '', 'attempts', ARGV[4], 'not_before', ARGV[3])
return 1
`

	redisQueueRenewLua = `
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[2])
return 1
`
)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	notBefore := t.NotBefore.UnixMicro()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keyTask(t.ID),
		"data", data,
		"owner", "",
		"attempts", t.Attempts,
		"not_before", notBefore,
	)
	pipe.ZAdd(ctx, q.keyQueue(), redis.Z{Score: float64(notBefore), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue polls until a task is leased or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		expires := now.Add(leaseTTL)
		res, err := q.client.Eval(ctx, redisQueueClaimLua, []string{q.keyQueue()},
			now.UnixMicro(), expires.UnixMicro(), owner, q.keyTaskPrefix()).Slice()
		if err == nil {
			return decodeRedisClaim(res, owner, expires)
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if err := wait(ctx, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func decodeRedisClaim(res []any, owner string, expires time.Time) (*Task, error) {
	if len(res) != 4 {
		return nil, fmt.Errorf("redis queue: unexpected claim reply %#v", res)
	}
	data, _ := res[1].(string)
	t, err := DecodeTask([]byte(data))
	if err != nil {
		return nil, err
	}
	if s, ok := res[2].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			t.Attempts = n
		}
	}
	if s, ok := res[3].(string); ok {
		if us, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.NotBefore = time.UnixMicro(us)
		}
	}
	t.LeaseOwner = owner
	t.LeaseExpiresAt = expires
	return t, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.leased(ctx, redisQueueAckLua, taskID, owner, taskID)
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.leased(ctx, redisQueueNackLua, taskID, owner, taskID, notBefore.UnixMicro(), attempts)
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.leased(ctx, redisQueueRenewLua, taskID, owner, taskID, time.Now().Add(leaseTTL).UnixMicro())
}

func (q *RedisQueue) leased(ctx context.Context, script, taskID, owner string, args ...any) error {
	n, err := q.client.Eval(ctx, script, []string{q.keyQueue(), q.keyTask(taskID)}, append([]any{owner}, args...)...).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the number of queued tasks (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyQueue()).Result()
	if err != nil {
		slog.Warn("redis queue: count failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
