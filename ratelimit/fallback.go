package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// DefaultProbeInterval is how often a degraded FallbackCounter retries its
// primary counter.
var DefaultProbeInterval = 5 * time.Second

// FallbackCounter prefers a shared primary Counter and degrades to a local
// one whenever the primary fails.
//
// Availability of the request path wins over distributed accuracy: a primary
// error never reaches the caller. While degraded, the primary is retried at
// most once per probe interval; every other call goes straight to the local
// counter so a dead Redis does not add its timeout to every request.
//
// Example:
//
//	counter := ratelimit.NewFallbackCounter(
//	    ratelimit.NewRedisCounter(rdb),
//	    ratelimit.NewMemoryCounter(),
//	)
type FallbackCounter struct {
	primary  Counter
	local    Counter
	probe    *rate.Limiter
	degraded atomic.Bool
	logger   *slog.Logger

	fallbacks metric.Int64Counter
}

// FallbackOption configures a FallbackCounter.
type FallbackOption func(*fallbackOptions)

type fallbackOptions struct {
	probeInterval time.Duration
	logger        *slog.Logger
}

// WithProbeInterval sets the minimum spacing between primary retries while
// degraded.
func WithProbeInterval(d time.Duration) FallbackOption {
	return func(o *fallbackOptions) {
		if d > 0 {
			o.probeInterval = d
		}
	}
}

// WithFallbackLogger sets the logger.
func WithFallbackLogger(l *slog.Logger) FallbackOption {
	return func(o *fallbackOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewFallbackCounter wraps primary with local as its fallback.
func NewFallbackCounter(primary, local Counter, opts ...FallbackOption) *FallbackCounter {
	o := &fallbackOptions{
		probeInterval: DefaultProbeInterval,
		logger:        slog.Default().With("component", "ratelimit>fallback"),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := otel.Meter("admit.ratelimit")
	fallbacks, _ := meter.Int64Counter("admit.ratelimit.fallback",
		metric.WithDescription("Window counter calls served by the local fallback"),
		metric.WithUnit("{call}"),
	)

	return &FallbackCounter{
		primary:   primary,
		local:     local,
		probe:     rate.NewLimiter(rate.Every(o.probeInterval), 1),
		logger:    o.logger,
		fallbacks: fallbacks,
	}
}

// Consume uses the primary counter unless it is failing.
func (f *FallbackCounter) Consume(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}
	if f.skipPrimary() {
		f.recordFallback(ctx, "degraded")
		return f.local.Consume(ctx, key, limit, window)
	}

	res, err := f.primary.Consume(ctx, key, limit, window)
	if err != nil {
		f.markDegraded(err)
		f.recordFallback(ctx, "error")
		return f.local.Consume(ctx, key, limit, window)
	}
	f.markHealthy()
	return res, nil
}

// Observe uses the primary counter unless it is failing.
func (f *FallbackCounter) Observe(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}
	if f.skipPrimary() {
		return f.local.Observe(ctx, key, limit, window)
	}

	res, err := f.primary.Observe(ctx, key, limit, window)
	if err != nil {
		f.markDegraded(err)
		return f.local.Observe(ctx, key, limit, window)
	}
	f.markHealthy()
	return res, nil
}

// Reset clears key in both counters. A primary failure is reported after the
// local reset has been applied.
func (f *FallbackCounter) Reset(ctx context.Context, key string) error {
	localErr := f.local.Reset(ctx, key)
	if err := f.primary.Reset(ctx, key); err != nil {
		return err
	}
	return localErr
}

// Degraded reports whether the last primary call failed.
func (f *FallbackCounter) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackCounter) skipPrimary() bool {
	return f.degraded.Load() && !f.probe.Allow()
}

func (f *FallbackCounter) markDegraded(err error) {
	// Spend the probe token so the next retry waits a full interval.
	f.probe.Allow()
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("window counter degraded to process-local fallback", "error", err)
	}
}

func (f *FallbackCounter) markHealthy() {
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("window counter recovered")
	}
}

func (f *FallbackCounter) recordFallback(ctx context.Context, reason string) {
	if f.fallbacks != nil {
		f.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// Compile-time check
var _ Counter = (*FallbackCounter)(nil)
