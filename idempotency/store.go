// Package idempotency remembers recently seen event IDs so that an event
// redelivered by the source is admitted only once.
//
// The check and the record are a single atomic step: the first caller to
// present an ID wins and every later caller is told it is a duplicate.
//
//   - MemoryStore keeps the most recent IDs of one process.
//   - RedisStore shares IDs between every admitd instance behind the same
//     queue group and forgets them after a TTL.
//
// Example:
//
//	store, _ := idempotency.NewMemoryStore(10000)
//	dup, err := store.IsDuplicate(ctx, ev.ID)
//	if err == nil && dup {
//	    return // already admitted
//	}
package idempotency

import (
	"context"
	"errors"
)

// ErrEmptyID is returned for an empty event ID.
var ErrEmptyID = errors.New("idempotency: empty id")

// Store tracks admitted event IDs.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IsDuplicate reports whether id was seen before and records it if not.
	IsDuplicate(ctx context.Context, id string) (bool, error)

	// Remove forgets id so that it can be admitted again.
	Remove(ctx context.Context, id string) error
}
