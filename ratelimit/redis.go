package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/admit/clock"
)

// DefaultKeyPrefix is prepended to every key written by RedisCounter.
const DefaultKeyPrefix = "admit:rl:"

// consumeScript atomically prunes, counts and records one attempt.
// Returns {allowed, remaining, reset_ms}.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
local remaining = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  allowed = 1
  remaining = limit - (count + 1)
end

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest ~= nil and #oldest >= 2 then
  reset = tonumber(oldest[2]) + window
end

return {allowed, remaining, reset}
`)

// observeScript prunes and counts without recording.
// Returns {count, reset_ms}.
var observeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest ~= nil and #oldest >= 2 then
  reset = tonumber(oldest[2]) + window
end

return {count, reset}
`)

// RedisCounter is a distributed Counter backed by Redis sorted sets.
//
// Each attempt is stored as a member scored by its timestamp in
// milliseconds. A Lua script prunes, counts and records in one step, so the
// limit holds across every process sharing the Redis deployment.
//
// Redis Commands Used:
//   - ZREMRANGEBYSCORE: drop attempts older than the window
//   - ZCARD: count attempts in the window
//   - ZADD: record the attempt
//   - PEXPIRE: expire the key one window after the last attempt
//   - DEL: reset
//
// Scores come from the caller's clock, so instances should run with
// synchronized clocks. RedisCounter returns Redis errors as-is; wrap it in a
// FallbackCounter to keep the request path available when Redis is down.
//
// Example:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	counter := ratelimit.NewRedisCounter(rdb, ratelimit.WithKeyPrefix("bot:rl:"))
type RedisCounter struct {
	client   redis.UniversalClient
	prefix   string
	clock    clock.Clock
	instance string
	seq      atomic.Uint64
}

// RedisOption configures a RedisCounter.
type RedisOption func(*RedisCounter)

// WithKeyPrefix sets the prefix for Redis keys (default "admit:rl:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisCounter) {
		r.prefix = prefix
	}
}

// WithRedisClock sets the clock used to score attempts.
func WithRedisClock(c clock.Clock) RedisOption {
	return func(r *RedisCounter) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRedisCounter creates a Redis-backed sliding window counter.
func NewRedisCounter(client redis.UniversalClient, opts ...RedisOption) *RedisCounter {
	r := &RedisCounter{
		client:   client,
		prefix:   DefaultKeyPrefix,
		clock:    clock.New(),
		instance: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Consume records one attempt for key if the window has headroom.
func (r *RedisCounter) Consume(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}

	nowMS := r.clock.Now().UnixMilli()
	// Members must be unique across processes, or concurrent attempts in
	// the same millisecond would collapse into one.
	member := r.instance + ":" + strconv.FormatUint(r.seq.Add(1), 10)

	res, err := consumeScript.Run(ctx, r.client, []string{r.prefix + key},
		nowMS, window.Milliseconds(), limit, member).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis consume: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis script result: %T", res)
	}
	allowed, err := asInt64(values[0])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parsing allowed: %w", err)
	}
	remaining, err := asInt64(values[1])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parsing remaining: %w", err)
	}
	reset, err := asInt64(values[2])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parsing reset: %w", err)
	}

	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(reset),
	}, nil
}

// Observe reports the window state for key without recording an attempt.
func (r *RedisCounter) Observe(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}

	nowMS := r.clock.Now().UnixMilli()
	res, err := observeScript.Run(ctx, r.client, []string{r.prefix + key},
		nowMS, window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis observe: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis script result: %T", res)
	}
	count, err := asInt64(values[0])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parsing count: %w", err)
	}
	reset, err := asInt64(values[1])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parsing reset: %w", err)
	}

	return Result{
		Allowed:   int(count) < limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   time.UnixMilli(reset),
	}, nil
}

// Reset deletes the sorted set for key.
func (r *RedisCounter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset: %w", err)
	}
	return nil
}

// Ping checks connectivity to Redis.
func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// Compile-time check
var _ Counter = (*RedisCounter)(nil)
