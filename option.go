package admit

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/rbaliyan/admit/clock"
	"github.com/rbaliyan/admit/idempotency"
	"github.com/rbaliyan/admit/ratelimit"
)

// gateOptions holds configuration for Gate (unexported)
type gateOptions struct {
	counter        ratelimit.Counter
	classifier     *ratelimit.Classifier
	dedupe         idempotency.Store
	logger         *slog.Logger
	tracingEnabled bool
	meter          metric.Meter
	clock          clock.Clock
	baseCtx        context.Context
}

func newGateOptions() *gateOptions {
	return &gateOptions{
		logger:         slog.Default().With("component", "admit"),
		tracingEnabled: true,
		clock:          clock.New(),
		baseCtx:        context.Background(),
	}
}

// Option configures a Gate.
type Option func(*gateOptions)

// WithCounter sets the window counter used by the rate limiter.
// Default is a ratelimit.MemoryCounter bounded by Config.LocalMaxKeys.
func WithCounter(c ratelimit.Counter) Option {
	return func(o *gateOptions) {
		if c != nil {
			o.counter = c
		}
	}
}

// WithClassifier replaces the classifier built from Config.Rules. A fixed
// classifier is kept across Reload.
func WithClassifier(c *ratelimit.Classifier) Option {
	return func(o *gateOptions) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithDedupeStore replaces the in-process store of recently seen event IDs,
// e.g. with an idempotency.RedisStore shared by several gates. Ignored when
// Config.DedupeSize is zero.
func WithDedupeStore(s idempotency.Store) Option {
	return func(o *gateOptions) {
		if s != nil {
			o.dedupe = s
		}
	}
}

// WithLogger sets the logger for the gate and its components.
func WithLogger(l *slog.Logger) Option {
	return func(o *gateOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables or disables OpenTelemetry spans. Default is true.
func WithTracing(v bool) Option {
	return func(o *gateOptions) {
		o.tracingEnabled = v
	}
}

// WithMeter sets the meter for submission counters, task durations and
// scheduler gauges. Metrics are off when no meter is set.
func WithMeter(m metric.Meter) Option {
	return func(o *gateOptions) {
		o.meter = m
	}
}

// WithClock sets the clock for rate windows and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *gateOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithBaseContext sets the parent context of every task context.
func WithBaseContext(ctx context.Context) Option {
	return func(o *gateOptions) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}
