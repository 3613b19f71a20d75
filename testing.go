package admit

import (
	"context"
	"sync"
	"time"
)

// TestGate creates a gate configured for testing: tracing and metrics off.
// Panics if cfg is invalid (test setup error).
//
// Example:
//
//	cfg := admit.Default()
//	cfg.MaxGlobalRunning = 2
//	gate := admit.TestGate(cfg, admit.WithClock(clock.NewVirtual(start)))
func TestGate(cfg Config, opts ...Option) *Gate {
	opts = append([]Option{WithTracing(false)}, opts...)
	g, err := New(cfg, opts...)
	if err != nil {
		panic("admit.TestGate: " + err.Error())
	}
	return g
}

// TaskCall records one execution of a task built by TaskRecorder.
type TaskCall struct {
	Event      Event
	Tier       string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskRecorder builds tasks that record their executions in completion
// order, for asserting ordering and concurrency in tests.
type TaskRecorder struct {
	mu      sync.Mutex
	calls   []TaskCall
	running int
	peak    int
	handler func(context.Context) error
}

// NewTaskRecorder creates a recorder. If handler is nil, tasks succeed
// immediately.
func NewTaskRecorder(handler func(context.Context) error) *TaskRecorder {
	return &TaskRecorder{handler: handler}
}

// Task returns a task that records the call and runs the handler.
func (r *TaskRecorder) Task() Task {
	return func(ctx context.Context) error {
		ev, _ := ContextEvent(ctx)
		call := TaskCall{Event: ev, Tier: ContextTier(ctx), StartedAt: time.Now()}

		r.mu.Lock()
		r.running++
		if r.running > r.peak {
			r.peak = r.running
		}
		r.mu.Unlock()

		var err error
		if r.handler != nil {
			err = r.handler(ctx)
		}

		call.FinishedAt = time.Now()
		r.mu.Lock()
		r.running--
		r.calls = append(r.calls, call)
		r.mu.Unlock()
		return err
	}
}

// Calls returns a copy of all recorded calls.
func (r *TaskRecorder) Calls() []TaskCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]TaskCall, len(r.calls))
	copy(result, r.calls)
	return result
}

// CallsFor returns recorded calls for one user.
func (r *TaskRecorder) CallsFor(userID string) []TaskCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []TaskCall
	for _, c := range r.calls {
		if c.Event.UserID == userID {
			result = append(result, c)
		}
	}
	return result
}

// Count returns the number of finished calls.
func (r *TaskRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Peak returns the highest number of tasks seen running at once.
func (r *TaskRecorder) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// Reset clears all recorded calls.
func (r *TaskRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.peak = 0
	r.mu.Unlock()
}
