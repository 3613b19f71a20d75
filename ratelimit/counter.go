package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Validation errors returned by Counter implementations.
var (
	ErrEmptyKey      = errors.New("ratelimit: key is required")
	ErrInvalidLimit  = errors.New("ratelimit: limit must be positive")
	ErrInvalidWindow = errors.New("ratelimit: window must be at least 1ms")
)

// Counter tracks admission attempts per key within a sliding window.
//
// All implementations use the sliding-window-log algorithm: the timestamps of
// accepted consumptions inside the trailing window are kept, older ones are
// pruned, and a consumption is accepted only while fewer than limit remain.
// Rejected consumptions are not recorded. Keys expire after window of
// inactivity.
//
// All implementations must be safe for concurrent use.
//
// Implementations:
//   - MemoryCounter: process-local, bounded number of keys
//   - RedisCounter: shared across every process using the same Redis
//   - FallbackCounter: Redis first, MemoryCounter when Redis is unreachable
type Counter interface {
	// Consume records one attempt for key if the window has headroom.
	Consume(ctx context.Context, key string, limit int, window time.Duration) (Result, error)

	// Observe reports the state of key without recording anything.
	Observe(ctx context.Context, key string, limit int, window time.Duration) (Result, error)

	// Reset forgets all attempts recorded for key.
	Reset(ctx context.Context, key string) error
}

// Result is the outcome of a Consume or Observe call.
type Result struct {
	// Allowed reports whether the attempt was accepted (Consume) or would be
	// accepted (Observe).
	Allowed bool
	// Remaining is the number of attempts still available in the window
	// after this call.
	Remaining int
	// ResetAt is when the oldest recorded attempt leaves the window.
	ResetAt time.Time
}

func validate(key string, limit int, window time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if limit <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if window < time.Millisecond {
		return fmt.Errorf("%w: got %s", ErrInvalidWindow, window)
	}
	return nil
}
