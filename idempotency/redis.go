package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the default prefix of RedisStore keys.
const DefaultKeyPrefix = "admit:dedupe:"

// RedisStore shares seen IDs between processes through Redis. Each ID is
// stored with SET NX and expires after the store TTL.
//
// Redis Commands Used:
//   - SET NX with expiry: atomic check and record
//   - DEL: Remove
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix for Redis keys (default "admit:dedupe:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store remembering IDs for ttl.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsDuplicate sets the key for id if absent. The ID is a duplicate when
// the key already existed.
func (s *RedisStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	set, err := s.client.SetNX(ctx, s.prefix+id, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

// Remove deletes the key for id.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}

var _ Store = (*RedisStore)(nil)
