// Package ratelimit shapes per-user traffic before any expensive work is
// attempted.
//
// The package provides:
//   - Counter: sliding-window-log counters (MemoryCounter, RedisCounter,
//     FallbackCounter)
//   - Classifier: maps an event descriptor to a Tier
//   - TieredLimiter: checks a user against a daily cap, a tier burst window
//     and a tier per-minute window
//
// # When to Use Each Counter
//
// MemoryCounter:
//   - Single instance deployments and tests
//   - Budget is per process: N instances allow up to N times the limit
//
// RedisCounter:
//   - Multi-instance deployments
//   - Limits hold across every instance sharing the Redis
//
// FallbackCounter:
//   - Production: Redis when reachable, MemoryCounter otherwise
//
// # Basic Usage
//
//	limiter, err := ratelimit.NewTieredLimiter(
//	    ratelimit.WithCounter(ratelimit.NewFallbackCounter(
//	        ratelimit.NewRedisCounter(rdb), ratelimit.NewMemoryCounter())),
//	    ratelimit.WithDailyCap(2000),
//	)
//
//	tier := ratelimit.DefaultClassifier().Classify(ratelimit.Descriptor{Command: text})
//	if d := limiter.Check(ctx, tier, userID); !d.Allowed {
//	    // tell the user now; there is no deferred retry
//	}
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/admit/clock"
)

// DefaultDailyCap is the per-user daily cap shared by every tier.
var DefaultDailyCap = 2000

// dailyWindow is the sliding window applied inside a calendar-day key.
const dailyWindow = 24 * time.Hour

// ConsumptionPolicy decides whether a rejecting window stops the remaining
// windows from being consumed.
type ConsumptionPolicy int

const (
	// ShortCircuit evaluates daily, burst, then minute and stops at the
	// first rejection. Windows consulted before the rejecting one keep the
	// attempt they recorded; later windows are left untouched.
	ShortCircuit ConsumptionPolicy = iota

	// ConsumeAll consults every window on every check, so each window
	// records the attempt whenever it has headroom, even when a sibling
	// rejects.
	ConsumeAll
)

// String returns the policy name.
func (p ConsumptionPolicy) String() string {
	switch p {
	case ShortCircuit:
		return "short_circuit"
	case ConsumeAll:
		return "consume_all"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseConsumptionPolicy parses a policy name. Empty means ShortCircuit.
func ParseConsumptionPolicy(s string) (ConsumptionPolicy, error) {
	switch s {
	case "", "short_circuit":
		return ShortCircuit, nil
	case "consume_all":
		return ConsumeAll, nil
	default:
		return ShortCircuit, fmt.Errorf("ratelimit: unknown consumption policy %q", s)
	}
}

// Decision is the outcome of TieredLimiter.Check.
type Decision struct {
	Allowed bool
	// Tier is the tier whose budget was applied; unknown tiers resolve to
	// the default tier.
	Tier Tier
	// RejectedBy is the first window that rejected, or WindowNone.
	RejectedBy WindowKind
	// Remaining is the smallest headroom across the consulted windows.
	Remaining int
	// RetryAt is the earliest time the rejecting window may accept again.
	RetryAt time.Time
}

// settings is swapped atomically on hot reload.
type settings struct {
	tiers    map[Tier]TierConfig
	dailyCap int
}

// TieredLimiter applies the daily, burst and per-minute policies.
//
// All three windows must have headroom for an event to be allowed. How
// rejection interacts with consumption is set by ConsumptionPolicy.
//
// Counter errors never fail a check: the window is skipped and the error is
// logged. Use FallbackCounter to keep enforcing limits when Redis is down.
type TieredLimiter struct {
	counter     Counter
	clock       clock.Clock
	logger      *slog.Logger
	policy      ConsumptionPolicy
	defaultTier Tier
	current     atomic.Pointer[settings]
}

// limiterOptions holds configuration for TieredLimiter (unexported)
type limiterOptions struct {
	counter     Counter
	clock       clock.Clock
	logger      *slog.Logger
	policy      ConsumptionPolicy
	defaultTier Tier
	tiers       map[Tier]TierConfig
	dailyCap    int
}

// LimiterOption configures a TieredLimiter.
type LimiterOption func(*limiterOptions)

// WithCounter sets the window counter (default: MemoryCounter).
func WithCounter(c Counter) LimiterOption {
	return func(o *limiterOptions) {
		if c != nil {
			o.counter = c
		}
	}
}

// WithClock sets the clock used to pick the calendar day.
func WithClock(c clock.Clock) LimiterOption {
	return func(o *limiterOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LimiterOption {
	return func(o *limiterOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPolicy sets the consumption policy (default ShortCircuit).
func WithPolicy(p ConsumptionPolicy) LimiterOption {
	return func(o *limiterOptions) {
		o.policy = p
	}
}

// WithDefaultTier sets the tier used for unknown tiers (default TierChat).
func WithDefaultTier(t Tier) LimiterOption {
	return func(o *limiterOptions) {
		if t != "" {
			o.defaultTier = t
		}
	}
}

// WithTiers replaces the tier budgets (default DefaultTiers()).
func WithTiers(tiers map[Tier]TierConfig) LimiterOption {
	return func(o *limiterOptions) {
		if len(tiers) > 0 {
			o.tiers = tiers
		}
	}
}

// WithDailyCap sets the per-user daily cap. Zero disables it.
func WithDailyCap(n int) LimiterOption {
	return func(o *limiterOptions) {
		o.dailyCap = n
	}
}

// NewTieredLimiter creates a limiter. Returns an error if a tier config is
// invalid or the default tier has no config.
func NewTieredLimiter(opts ...LimiterOption) (*TieredLimiter, error) {
	o := &limiterOptions{
		clock:       clock.New(),
		logger:      slog.Default().With("component", "ratelimit"),
		policy:      ShortCircuit,
		defaultTier: TierChat,
		tiers:       DefaultTiers(),
		dailyCap:    DefaultDailyCap,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.counter == nil {
		o.counter = NewMemoryCounter(WithMemoryClock(o.clock))
	}

	l := &TieredLimiter{
		counter:     o.counter,
		clock:       o.clock,
		logger:      o.logger,
		policy:      o.policy,
		defaultTier: o.defaultTier,
	}
	if err := l.SetTiers(o.tiers); err != nil {
		return nil, err
	}
	if err := l.SetDailyCap(o.dailyCap); err != nil {
		return nil, err
	}
	return l, nil
}

// SetTiers replaces the tier budgets. The default tier must be present.
func (l *TieredLimiter) SetTiers(tiers map[Tier]TierConfig) error {
	next := make(map[Tier]TierConfig, len(tiers))
	for tier, cfg := range tiers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("tier %q: %w", tier, err)
		}
		next[tier] = cfg.withDefaults()
	}
	if _, ok := next[l.defaultTier]; !ok {
		return fmt.Errorf("%w: default tier %q has no config", ErrInvalidTier, l.defaultTier)
	}

	for {
		cur := l.current.Load()
		s := &settings{tiers: next, dailyCap: DefaultDailyCap}
		if cur != nil {
			s.dailyCap = cur.dailyCap
		}
		if l.current.CompareAndSwap(cur, s) {
			return nil
		}
	}
}

// SetDailyCap replaces the daily cap. Zero disables it.
func (l *TieredLimiter) SetDailyCap(n int) error {
	if n < 0 {
		return fmt.Errorf("ratelimit: daily cap must not be negative, got %d", n)
	}
	for {
		cur := l.current.Load()
		s := &settings{tiers: cur.tiers, dailyCap: n}
		if l.current.CompareAndSwap(cur, s) {
			return nil
		}
	}
}

// Tiers returns a copy of the current tier budgets.
func (l *TieredLimiter) Tiers() map[Tier]TierConfig {
	return maps.Clone(l.current.Load().tiers)
}

// DailyCap returns the current daily cap.
func (l *TieredLimiter) DailyCap() int {
	return l.current.Load().dailyCap
}

// Policy returns the consumption policy.
func (l *TieredLimiter) Policy() ConsumptionPolicy {
	return l.policy
}

// window is one policy to consult.
type window struct {
	key    WindowKey
	limit  int
	length time.Duration
}

// Check consumes budget for one event of tier from userID.
func (l *TieredLimiter) Check(ctx context.Context, tier Tier, userID string) Decision {
	s := l.current.Load()
	cfg, ok := s.tiers[tier]
	if !ok {
		tier = l.defaultTier
		cfg = s.tiers[tier]
	}

	now := l.clock.Now()
	day := now.UTC().Format(time.DateOnly)
	windows := []window{
		{key: WindowKey{Tier: dailyTier, UserID: userID, Kind: WindowDaily, Day: day}, limit: s.dailyCap, length: dailyWindow},
		{key: WindowKey{Tier: tier, UserID: userID, Kind: WindowBurst}, limit: cfg.BurstLimit, length: cfg.BurstWindow},
		{key: WindowKey{Tier: tier, UserID: userID, Kind: WindowMinute}, limit: cfg.PerMinuteLimit, length: cfg.MinuteWindow},
	}

	d := Decision{Allowed: true, Tier: tier, Remaining: -1}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		if !d.Allowed && l.policy == ShortCircuit {
			break
		}

		res, err := l.counter.Consume(ctx, w.key.String(), w.limit, w.length)
		if err != nil {
			l.logger.Warn("window counter failed, skipping window",
				"window", w.key.Kind, "tier", tier, "user", userID, "error", err)
			continue
		}
		if d.Remaining < 0 || res.Remaining < d.Remaining {
			d.Remaining = res.Remaining
		}
		if res.Allowed {
			continue
		}

		retryAt := res.ResetAt
		if w.key.Kind == WindowDaily {
			// The daily key rolls over at midnight UTC.
			retryAt = now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		}
		if d.Allowed {
			d.Allowed = false
			d.RejectedBy = w.key.Kind
		}
		if retryAt.After(d.RetryAt) {
			d.RetryAt = retryAt
		}
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if !d.Allowed {
		l.logger.Debug("rate limited", "tier", tier, "user", userID, "window", d.RejectedBy, "retry_at", d.RetryAt)
	}
	return d
}
