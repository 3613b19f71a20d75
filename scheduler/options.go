package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/admit/clock"
)

// Default backlog caps.
const (
	DefaultMaxQueuePerUser = 25
	DefaultMaxTotalPending = 1000
)

// options holds configuration for Scheduler (unexported)
type options struct {
	maxQueuePerUser int
	maxTotalPending int
	logger          *slog.Logger
	tracingEnabled  bool
	taskTimeout     time.Duration
	baseCtx         context.Context
	clock           clock.Clock
}

// Option configures a Scheduler.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		maxQueuePerUser: DefaultMaxQueuePerUser,
		maxTotalPending: DefaultMaxTotalPending,
		logger:          slog.Default().With("component", "scheduler"),
		tracingEnabled:  true,
		baseCtx:         context.Background(),
		clock:           clock.New(),
	}
}

// WithMaxQueuePerUser caps how many items may wait behind a user's
// in-flight task (default 25).
func WithMaxQueuePerUser(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueuePerUser = n
		}
	}
}

// WithMaxTotalPending caps accepted but unfinished items across all users
// (default 1000).
func WithMaxTotalPending(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTotalPending = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables or disables a span per task (default enabled).
func WithTracing(v bool) Option {
	return func(o *options) {
		o.tracingEnabled = v
	}
}

// WithTaskTimeout bounds each task through its context. Zero means no
// timeout; tasks that ignore their context are not interrupted.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.taskTimeout = d
		}
	}
}

// WithBaseContext sets the parent context of every task context and of
// permit waits. Cancelling it fails queued items with the context error.
func WithBaseContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

// WithClock sets the clock used for completion timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}
