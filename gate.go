package admit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/admit/clock"
	"github.com/rbaliyan/admit/idempotency"
	"github.com/rbaliyan/admit/monitor"
	"github.com/rbaliyan/admit/ratelimit"
	"github.com/rbaliyan/admit/scheduler"
)

const (
	spanKeyEventID = "admit.event_id"
	spanKeyUserID  = "admit.user_id"
	spanKeyTier    = "admit.tier"
	spanKeyReason  = "admit.reason"
)

// Task is the work run for an accepted event.
type Task = scheduler.Task

// Gate runs the admission pipeline: dedupe, classify, rate limit, and
// per-user scheduling under a global concurrency cap.
type Gate struct {
	reloadMu   sync.Mutex
	cfg        atomic.Pointer[Config]
	classifier atomic.Pointer[ratelimit.Classifier]
	fixedRules bool

	limiter   *ratelimit.TieredLimiter
	governor  *scheduler.Governor
	scheduler *scheduler.Scheduler
	dedupe    idempotency.Store

	recorder *monitor.Recorder
	gauges   metric.Registration
	tracer   trace.Tracer
	logger   *slog.Logger
	clock    clock.Clock
	closed   atomic.Bool
}

// New creates a gate from cfg.
func New(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := newGateOptions()
	for _, opt := range opts {
		opt(o)
	}

	counter := o.counter
	if counter == nil {
		counter = ratelimit.NewMemoryCounter(
			ratelimit.WithMemoryClock(o.clock),
			ratelimit.WithMaxKeys(cfg.LocalMaxKeys),
		)
	}

	limiter, err := ratelimit.NewTieredLimiter(
		ratelimit.WithCounter(counter),
		ratelimit.WithClock(o.clock),
		ratelimit.WithLogger(o.logger),
		ratelimit.WithPolicy(cfg.Policy),
		ratelimit.WithDefaultTier(cfg.DefaultTier),
		ratelimit.WithTiers(cfg.Tiers),
		ratelimit.WithDailyCap(cfg.DailyCap),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	governor, err := scheduler.NewGovernor(cfg.MaxGlobalRunning)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g := &Gate{
		limiter:  limiter,
		governor: governor,
		scheduler: scheduler.New(governor,
			scheduler.WithMaxQueuePerUser(cfg.MaxQueuePerUser),
			scheduler.WithMaxTotalPending(cfg.MaxTotalPending),
			scheduler.WithLogger(o.logger),
			scheduler.WithTracing(o.tracingEnabled),
			scheduler.WithTaskTimeout(cfg.TaskTimeout),
			scheduler.WithBaseContext(o.baseCtx),
			scheduler.WithClock(o.clock),
		),
		logger: o.logger,
		clock:  o.clock,
	}
	g.cfg.Store(&cfg)

	if o.classifier != nil {
		g.fixedRules = true
		g.classifier.Store(o.classifier)
	} else {
		g.classifier.Store(cfg.Classifier())
	}

	switch {
	case cfg.DedupeSize == 0:
	case o.dedupe != nil:
		g.dedupe = o.dedupe
	default:
		g.dedupe, err = idempotency.NewMemoryStore(cfg.DedupeSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if o.tracingEnabled {
		g.tracer = otel.Tracer("admit")
	}

	if o.meter != nil {
		if g.recorder, err = monitor.NewRecorder(o.meter); err != nil {
			return nil, err
		}
		if g.gauges, err = monitor.RegisterGauges(o.meter, g); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Submit runs ev through the admission pipeline and, when admitted, queues
// task behind the user's earlier events.
//
// Rejections are reported through Result.Reason, never as an error. An
// error is returned only for a malformed event or a nil task.
func (g *Gate) Submit(ctx context.Context, ev Event, task Task) (Result, error) {
	if task == nil {
		return Result{}, fmt.Errorf("%w: task is required", ErrInvalidEvent)
	}
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = g.clock.Now()
	}

	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "admit.submit",
			trace.WithAttributes(
				attribute.String(spanKeyEventID, ev.ID),
				attribute.String(spanKeyUserID, ev.UserID)),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
	}

	res := g.admit(ctx, ev, task)

	if span != nil {
		span.SetAttributes(
			attribute.String(spanKeyTier, string(res.Tier)),
			attribute.String(spanKeyReason, res.Reason.String()))
	}
	g.recorder.Submitted(ctx, res.Reason.String(), string(res.Tier))

	if res.Accepted {
		g.logger.Debug("event admitted",
			"event_id", ev.ID, "user", ev.UserID, "tier", res.Tier, "queued_ahead", res.QueuedAhead)
	} else {
		g.logger.Debug("event rejected",
			"event_id", ev.ID, "user", ev.UserID, "tier", res.Tier, "reason", res.Reason)
	}
	return res, nil
}

func (g *Gate) admit(ctx context.Context, ev Event, task Task) Result {
	if g.closed.Load() {
		return Result{Reason: ReasonClosed}
	}
	if g.dedupe != nil && ev.ID != "" {
		dup, err := g.dedupe.IsDuplicate(ctx, ev.ID)
		if err != nil {
			// Fail open.
			g.logger.Warn("duplicate check failed", "event_id", ev.ID, "error", err)
		} else if dup {
			return Result{Reason: ReasonDuplicate}
		}
	}

	d := g.limiter.Check(ctx, g.Classify(ev), ev.UserID)
	res := Result{Tier: d.Tier, RateLimit: d}
	if !d.Allowed {
		res.Reason = ReasonRateLimited
		res.RetryAt = d.RetryAt
		g.recorder.RateLimited(ctx, string(d.Tier), string(d.RejectedBy))
		g.forget(ctx, ev.ID)
		return res
	}

	adm := g.scheduler.Enqueue(ev.UserID, g.wrap(ctx, ev, d.Tier, task))
	res.Reason = reasonFromScheduler(adm.Reason)
	res.Accepted = adm.Accepted
	res.QueuedAhead = adm.QueuedAhead
	res.Completion = adm.Completion
	if !adm.Accepted {
		g.forget(ctx, ev.ID)
	}
	return res
}

// forget releases an event ID recorded by the duplicate check so that a
// rejected event can be retried under the same ID.
func (g *Gate) forget(ctx context.Context, id string) {
	if g.dedupe == nil || id == "" {
		return
	}
	if err := g.dedupe.Remove(ctx, id); err != nil {
		g.logger.Warn("failed to release event id", "event_id", id, "error", err)
	}
}

// wrap attaches the event to the task context and links the task span to
// the submitting span.
func (g *Gate) wrap(ctx context.Context, ev Event, tier ratelimit.Tier, task Task) Task {
	run := g.recorder.Track(string(tier), task)
	link := trace.LinkFromContext(ctx)

	return func(ctx context.Context) error {
		ctx = contextWithEvent(ctx, ev, string(tier), g.logger)
		if g.tracer != nil {
			var span trace.Span
			ctx, span = g.tracer.Start(ctx, "admit.handle",
				trace.WithAttributes(
					attribute.String(spanKeyEventID, ev.ID),
					attribute.String(spanKeyUserID, ev.UserID),
					attribute.String(spanKeyTier, string(tier))),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithLinks(link))
			defer span.End()
		}
		return run(ctx)
	}
}

// Classify returns the tier ev would be rate limited under.
func (g *Gate) Classify(ev Event) ratelimit.Tier {
	return g.classifier.Load().Classify(ev.Descriptor())
}

// Stats returns the scheduler counters.
func (g *Gate) Stats() scheduler.Stats {
	return g.scheduler.Stats()
}

// Snapshot implements monitor.Provider.
func (g *Gate) Snapshot() monitor.Snapshot {
	s := g.scheduler.Stats()
	return monitor.Snapshot{
		ActiveUsers:      s.ActiveUsers,
		TotalPending:     s.TotalPending,
		TotalRunning:     s.TotalRunning,
		WaitingForSlot:   s.WaitingForSlot,
		MaxGlobalRunning: g.governor.Max(),
		Closed:           g.closed.Load(),
		CheckedAt:        g.clock.Now(),
	}
}

// Config returns the active configuration.
func (g *Gate) Config() Config {
	return *g.cfg.Load()
}

// Limiter returns the tiered rate limiter.
func (g *Gate) Limiter() *ratelimit.TieredLimiter {
	return g.limiter
}

// Scheduler returns the per-user scheduler.
func (g *Gate) Scheduler() *scheduler.Scheduler {
	return g.scheduler
}

// Reload applies a new configuration to the running gate. Tier budgets,
// classification rules, the daily cap and the backlog caps change
// immediately. MaxGlobalRunning, DefaultTier, Policy, DedupeSize,
// TaskTimeout and LocalMaxKeys are fixed at construction; differing
// values are ignored with a warning.
func (g *Gate) Reload(cfg Config) error {
	if g.closed.Load() {
		return ErrGateClosed
	}

	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()
	cur := g.cfg.Load()

	static := []struct {
		name    string
		changed bool
	}{
		{"max_global_running", cfg.MaxGlobalRunning != cur.MaxGlobalRunning},
		{"default_tier", cfg.DefaultTier != cur.DefaultTier},
		{"policy", cfg.Policy != cur.Policy},
		{"dedupe_size", cfg.DedupeSize != cur.DedupeSize},
		{"task_timeout", cfg.TaskTimeout != cur.TaskTimeout},
		{"local_max_keys", cfg.LocalMaxKeys != cur.LocalMaxKeys},
	}
	for _, s := range static {
		if s.changed {
			g.logger.Warn("config field cannot change at runtime, keeping current value", "field", s.name)
		}
	}
	cfg.MaxGlobalRunning = cur.MaxGlobalRunning
	cfg.DefaultTier = cur.DefaultTier
	cfg.Policy = cur.Policy
	cfg.DedupeSize = cur.DedupeSize
	cfg.TaskTimeout = cur.TaskTimeout
	cfg.LocalMaxKeys = cur.LocalMaxKeys

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := g.limiter.SetTiers(cfg.Tiers); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := g.limiter.SetDailyCap(cfg.DailyCap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := g.scheduler.SetLimits(cfg.MaxQueuePerUser, cfg.MaxTotalPending); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !g.fixedRules {
		g.classifier.Store(cfg.Classifier())
	}
	g.cfg.Store(&cfg)

	g.logger.Info("config reloaded",
		"tiers", len(cfg.Tiers),
		"daily_cap", cfg.DailyCap,
		"max_queue_per_user", cfg.MaxQueuePerUser,
		"max_total_pending", cfg.MaxTotalPending)
	return nil
}

// Closed reports whether Close has been called.
func (g *Gate) Closed() bool {
	return g.closed.Load()
}

// Close stops admitting events and waits until every accepted task has
// finished or ctx is done. Running tasks are not cancelled.
func (g *Gate) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return ErrGateClosed
	}
	err := g.scheduler.Close(ctx)
	if g.gauges != nil {
		if uerr := g.gauges.Unregister(); uerr != nil {
			g.logger.Warn("unregister gauges failed", "error", uerr)
		}
	}
	return err
}

// Compile-time check
var _ monitor.Provider = (*Gate)(nil)
