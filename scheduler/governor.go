package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Governor is a counting semaphore bounding how many tasks run at once
// across every user.
//
// Waiters are granted permits in FIFO order. Held never exceeds Max.
type Governor struct {
	max     int64
	sem     *semaphore.Weighted
	held    atomic.Int64
	waiting atomic.Int64
}

// NewGovernor creates a governor with max permits.
func NewGovernor(max int) (*Governor, error) {
	if max < 1 {
		return nil, fmt.Errorf("%w: max running must be at least 1, got %d", ErrInvalidLimit, max)
	}
	return &Governor{
		max: int64(max),
		sem: semaphore.NewWeighted(int64(max)),
	}, nil
}

// Acquire blocks until a permit is available or ctx is done. On error no
// permit is held.
func (g *Governor) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.held.Add(1)
	return nil
}

// TryAcquire takes a permit without blocking. It fails when no permit is
// free or another caller is already waiting.
func (g *Governor) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.held.Add(1)
	return true
}

// Release returns a permit and wakes the oldest waiter.
// It panics when called without a matching acquire.
func (g *Governor) Release() {
	for {
		h := g.held.Load()
		if h <= 0 {
			panic("scheduler: governor released without a held permit")
		}
		if g.held.CompareAndSwap(h, h-1) {
			break
		}
	}
	g.sem.Release(1)
}

// Held returns the number of permits currently held.
func (g *Governor) Held() int {
	return int(g.held.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (g *Governor) Waiting() int {
	return int(g.waiting.Load())
}

// Max returns the permit count.
func (g *Governor) Max() int {
	return int(g.max)
}
