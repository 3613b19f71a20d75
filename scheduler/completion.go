package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Completion resolves once a task has run, with the task's error.
//
// It is safe to wait on a Completion from any number of goroutines.
type Completion struct {
	id       string
	queuedAt time.Time
	done     chan struct{}

	mu         sync.Mutex
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func newCompletion(queuedAt time.Time) *Completion {
	return &Completion{
		id:       uuid.New().String(),
		queuedAt: queuedAt,
		done:     make(chan struct{}),
	}
}

// ID is a unique id for the queued item.
func (c *Completion) ID() string {
	return c.id
}

// Done is closed when the task has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the task outcome. It is nil until Done is closed.
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the task finishes or ctx is done. It returns the task
// error, or ctx.Err() if ctx ended first.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueuedAt is when the item was accepted.
func (c *Completion) QueuedAt() time.Time {
	return c.queuedAt
}

// StartedAt is when the task body began, or zero.
func (c *Completion) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// FinishedAt is when the completion resolved, or zero.
func (c *Completion) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}

func (c *Completion) start(at time.Time) {
	c.mu.Lock()
	c.startedAt = at
	c.mu.Unlock()
}

func (c *Completion) resolve(err error, at time.Time) {
	c.mu.Lock()
	c.err = err
	c.finishedAt = at
	c.mu.Unlock()
	close(c.done)
}
