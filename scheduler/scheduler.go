// Package scheduler runs each user's tasks one at a time in arrival order
// while a Governor bounds how many tasks run across all users.
//
// # Overview
//
// Every user gets a lazily created queue with a bounded backlog. A single
// drain goroutine per active user pops the head item, waits for a Governor
// permit, runs the task and resolves its Completion. When the backlog is
// empty the queue is removed, so memory tracks active users only.
//
// Admission is decided synchronously: Enqueue either accepts the item or
// returns a Reason without touching already accepted items.
//
// # Basic Usage
//
//	gov, _ := scheduler.NewGovernor(8)
//	s := scheduler.New(gov, scheduler.WithMaxQueuePerUser(25))
//	defer s.Close(ctx)
//
//	adm := s.Enqueue(userID, func(ctx context.Context) error {
//	    return reply(ctx, msg)
//	})
//	if !adm.Accepted {
//	    // tell the user to slow down: adm.Reason
//	}
//
// # Ordering
//
// Items of one user start strictly after the previous item of that user
// has finished. There is no ordering between users.
//
// # Failure Isolation
//
// A task error or panic is delivered only through that item's Completion.
// The drain loop always releases the permit and moves on to the next item.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/admit/clock"
)

const (
	spanKeyUserID       = "admit.user_id"
	spanKeyItemID       = "admit.item_id"
	spanKeyQueueLatency = "admit.queue_latency_ms"
)

// Task is one unit of user work. ctx carries the optional task timeout and
// is cancelled when the scheduler's base context is cancelled.
type Task func(ctx context.Context) error

// Reason explains why Enqueue rejected an item.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUserBacklogFull   Reason = "user_backlog_full"
	ReasonGlobalBacklogFull Reason = "global_backlog_full"
	ReasonClosed            Reason = "closed"
)

// Admission is the synchronous answer of Enqueue.
type Admission struct {
	Accepted bool
	// QueuedAhead counts the user's items that will finish before this one,
	// including the one in flight.
	QueuedAhead int
	// Completion is nil when the item was rejected.
	Completion *Completion
	Reason     Reason
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	ActiveUsers    int `json:"active_users"`
	TotalPending   int `json:"total_pending"`
	TotalRunning   int `json:"total_running"`
	WaitingForSlot int `json:"waiting_for_slot"`
}

type item struct {
	task       Task
	completion *Completion
}

// userQueue exists in the registry exactly while its drain loop runs.
type userQueue struct {
	backlog []*item
}

type limits struct {
	maxQueuePerUser int
	maxTotalPending int
}

// Scheduler is a per-user FIFO scheduler over a shared Governor.
type Scheduler struct {
	governor *Governor
	logger   *slog.Logger
	clock    clock.Clock
	baseCtx  context.Context
	timeout  time.Duration
	tracer   trace.Tracer
	limits   atomic.Pointer[limits]

	mu     sync.Mutex
	users  map[string]*userQueue
	closed bool
	wg     sync.WaitGroup

	activeUsers  atomic.Int64
	totalPending atomic.Int64
	running      atomic.Int64
	waiting      atomic.Int64
}

// New creates a scheduler that runs tasks under governor.
func New(governor *Governor, opts ...Option) *Scheduler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &Scheduler{
		governor: governor,
		logger:   o.logger,
		clock:    o.clock,
		baseCtx:  o.baseCtx,
		timeout:  o.taskTimeout,
		users:    make(map[string]*userQueue),
	}
	if o.tracingEnabled {
		s.tracer = otel.Tracer("admit.scheduler")
	}
	s.limits.Store(&limits{maxQueuePerUser: o.maxQueuePerUser, maxTotalPending: o.maxTotalPending})
	return s
}

// Enqueue admits task for userID or rejects it. It never blocks on task
// execution.
func (s *Scheduler) Enqueue(userID string, task Task) Admission {
	lim := s.limits.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Admission{Reason: ReasonClosed}
	}
	q, active := s.users[userID]
	if active && len(q.backlog) >= lim.maxQueuePerUser {
		return Admission{Reason: ReasonUserBacklogFull}
	}
	if s.totalPending.Load() >= int64(lim.maxTotalPending) {
		return Admission{Reason: ReasonGlobalBacklogFull}
	}

	it := &item{task: task, completion: newCompletion(s.clock.Now())}
	s.totalPending.Add(1)

	if !active {
		// The first item goes straight to the new drain loop.
		q = &userQueue{}
		s.users[userID] = q
		s.activeUsers.Add(1)
		s.wg.Add(1)
		go s.drain(userID, q, it)
		return Admission{Accepted: true, Completion: it.completion}
	}

	ahead := len(q.backlog) + 1
	q.backlog = append(q.backlog, it)
	return Admission{Accepted: true, QueuedAhead: ahead, Completion: it.completion}
}

func (s *Scheduler) drain(userID string, q *userQueue, it *item) {
	defer s.wg.Done()
	for {
		s.process(userID, it)

		s.mu.Lock()
		if len(q.backlog) == 0 {
			delete(s.users, userID)
			s.activeUsers.Add(-1)
			s.mu.Unlock()
			return
		}
		it = q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		s.mu.Unlock()
	}
}

func (s *Scheduler) process(userID string, it *item) {
	defer s.totalPending.Add(-1)

	s.waiting.Add(1)
	err := s.governor.Acquire(s.baseCtx)
	s.waiting.Add(-1)
	if err != nil {
		s.logger.Warn("task dropped while waiting for a slot", "user", userID, "item", it.completion.ID(), "error", err)
		it.completion.resolve(fmt.Errorf("%w: %w", ErrSchedulerClosed, err), s.clock.Now())
		return
	}

	err = s.run(userID, it)
	it.completion.resolve(err, s.clock.Now())
}

// run executes the task while holding a permit.
func (s *Scheduler) run(userID string, it *item) (err error) {
	defer s.governor.Release()

	s.running.Add(1)
	defer s.running.Add(-1)

	ctx := s.baseCtx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := s.clock.Now()
	it.completion.start(started)

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "admit.task",
			trace.WithAttributes(
				attribute.String(spanKeyUserID, userID),
				attribute.String(spanKeyItemID, it.completion.ID()),
				attribute.Int64(spanKeyQueueLatency, started.Sub(it.completion.QueuedAt()).Milliseconds())),
			trace.WithSpanKind(trace.SpanKindInternal))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			s.logger.Error("task panic recovered",
				"user", userID,
				"item", it.completion.ID(),
				"error", r,
				"stack", string(pe.Stack),
			)
			err = pe
		}
	}()

	return it.task(ctx)
}

// Stats returns current counters without taking the registry lock.
func (s *Scheduler) Stats() Stats {
	return Stats{
		ActiveUsers:    int(s.activeUsers.Load()),
		TotalPending:   int(s.totalPending.Load()),
		TotalRunning:   int(s.running.Load()),
		WaitingForSlot: int(s.waiting.Load()),
	}
}

// Len returns the number of users with a registry entry.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// UserBacklog returns how many items wait behind userID's in-flight task.
func (s *Scheduler) UserBacklog(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.users[userID]; ok {
		return len(q.backlog)
	}
	return 0
}

// Governor returns the governor tasks run under.
func (s *Scheduler) Governor() *Governor {
	return s.governor
}

// SetLimits replaces the backlog caps. Items already accepted are kept even
// if they exceed the new caps.
func (s *Scheduler) SetLimits(maxQueuePerUser, maxTotalPending int) error {
	if maxQueuePerUser < 1 || maxTotalPending < 1 {
		return fmt.Errorf("%w: queue caps must be positive, got %d and %d", ErrInvalidLimit, maxQueuePerUser, maxTotalPending)
	}
	s.limits.Store(&limits{maxQueuePerUser: maxQueuePerUser, maxTotalPending: maxTotalPending})
	return nil
}

// Limits returns the current backlog caps.
func (s *Scheduler) Limits() (maxQueuePerUser, maxTotalPending int) {
	lim := s.limits.Load()
	return lim.maxQueuePerUser, lim.maxTotalPending
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting items and waits for every accepted item to finish
// or for ctx to be done. Running tasks are not cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
