package monitor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricActiveUsers    = "admit.active_users"
	MetricTotalPending   = "admit.total_pending"
	MetricTotalRunning   = "admit.total_running"
	MetricWaitingForSlot = "admit.waiting_for_slot"
	MetricSubmitted      = "admit.submitted"
	MetricRateLimited    = "admit.rate_limited"
	MetricTaskDuration   = "admit.task.duration"
)

// RegisterGauges registers observable gauges that read p on every
// collection. Call Unregister on the result to stop observing.
func RegisterGauges(meter metric.Meter, p Provider) (metric.Registration, error) {
	activeUsers, err := meter.Int64ObservableGauge(MetricActiveUsers,
		metric.WithDescription("Users with a live queue"),
		metric.WithUnit("{user}"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s gauge: %w", MetricActiveUsers, err)
	}
	pending, err := meter.Int64ObservableGauge(MetricTotalPending,
		metric.WithDescription("Accepted items not yet finished"),
		metric.WithUnit("{item}"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s gauge: %w", MetricTotalPending, err)
	}
	running, err := meter.Int64ObservableGauge(MetricTotalRunning,
		metric.WithDescription("Tasks currently executing"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s gauge: %w", MetricTotalRunning, err)
	}
	waiting, err := meter.Int64ObservableGauge(MetricWaitingForSlot,
		metric.WithDescription("Drain loops waiting for a global slot"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s gauge: %w", MetricWaitingForSlot, err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := p.Snapshot()
		o.ObserveInt64(activeUsers, int64(s.ActiveUsers))
		o.ObserveInt64(pending, int64(s.TotalPending))
		o.ObserveInt64(running, int64(s.TotalRunning))
		o.ObserveInt64(waiting, int64(s.WaitingForSlot))
		return nil
	}, activeUsers, pending, running, waiting)
}

// Recorder counts submissions and times tasks. A nil *Recorder is a
// valid no-op.
type Recorder struct {
	submitted   metric.Int64Counter
	rateLimited metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewRecorder creates the recorder's instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	submitted, err := meter.Int64Counter(MetricSubmitted,
		metric.WithDescription("Events submitted, by admission reason and tier"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s counter: %w", MetricSubmitted, err)
	}
	rateLimited, err := meter.Int64Counter(MetricRateLimited,
		metric.WithDescription("Rate limit rejections, by tier and rejecting window"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s counter: %w", MetricRateLimited, err)
	}
	duration, err := meter.Float64Histogram(MetricTaskDuration,
		metric.WithDescription("Task execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %s histogram: %w", MetricTaskDuration, err)
	}
	return &Recorder{submitted: submitted, rateLimited: rateLimited, duration: duration}, nil
}

// Submitted counts one submission outcome.
func (r *Recorder) Submitted(ctx context.Context, reason, tier string) {
	if r == nil {
		return
	}
	r.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("tier", tier),
	))
}

// RateLimited counts one rejection by window of tier.
func (r *Recorder) RateLimited(ctx context.Context, tier, window string) {
	if r == nil {
		return
	}
	r.rateLimited.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("window", window),
	))
}

// Track wraps next so its execution time is recorded with its outcome.
func (r *Recorder) Track(tier string, next func(context.Context) error) func(context.Context) error {
	if r == nil {
		return next
	}
	return func(ctx context.Context) error {
		start := time.Now()
		err := next(ctx)

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("outcome", outcome),
		))
		return err
	}
}
