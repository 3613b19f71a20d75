package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rbaliyan/admit/clock"
)

func newTestLimiter(t *testing.T, vc *clock.Virtual, opts ...LimiterOption) (*TieredLimiter, *MemoryCounter) {
	t.Helper()
	counter := NewMemoryCounter(WithMemoryClock(vc))
	opts = append([]LimiterOption{WithCounter(counter), WithClock(vc)}, opts...)
	l, err := NewTieredLimiter(opts...)
	if err != nil {
		t.Fatalf("NewTieredLimiter failed: %v", err)
	}
	return l, counter
}

func TestTieredLimiterPerMinute(t *testing.T) {
	ctx := context.Background()
	vc := clock.NewVirtual(epoch)
	l, _ := newTestLimiter(t, vc, WithTiers(map[Tier]TierConfig{
		TierChat: {PerMinuteLimit: 5, MinuteWindow: time.Minute},
	}))

	for i := 0; i < 5; i++ {
		if d := l.Check(ctx, TierChat, "u1"); !d.Allowed {
			t.Fatalf("expected check %d to be allowed", i+1)
		}
		vc.Advance(time.Second)
	}

	d := l.Check(ctx, TierChat, "u1")
	if d.Allowed {
		t.Fatal("expected sixth check to be rejected")
	}
	if d.RejectedBy != WindowMinute {
		t.Errorf("expected minute window to reject, got %q", d.RejectedBy)
	}
	if !d.RetryAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("expected retry at %v, got %v", epoch.Add(time.Minute), d.RetryAt)
	}

	// Other users are unaffected.
	if d := l.Check(ctx, TierChat, "u2"); !d.Allowed {
		t.Error("expected other user to be allowed")
	}

	vc.Set(epoch.Add(2 * time.Minute))
	if d := l.Check(ctx, TierChat, "u1"); !d.Allowed {
		t.Error("expected check after window to be allowed")
	}
}

func TestTieredLimiterBurst(t *testing.T) {
	ctx := context.Background()
	vc := clock.NewVirtual(epoch)
	l, counter := newTestLimiter(t, vc, WithTiers(map[Tier]TierConfig{
		TierChat: {PerMinuteLimit: 20, BurstLimit: 3, BurstWindow: 5 * time.Second},
	}))

	for i := 0; i < 3; i++ {
		if d := l.Check(ctx, TierChat, "u1"); !d.Allowed {
			t.Fatalf("expected check %d to be allowed", i+1)
		}
	}

	d := l.Check(ctx, TierChat, "u1")
	if d.Allowed {
		t.Fatal("expected burst rejection")
	}
	if d.RejectedBy != WindowBurst {
		t.Errorf("expected burst window to reject, got %q", d.RejectedBy)
	}

	// Per-minute budget still has headroom.
	minute, _ := counter.Observe(ctx, WindowKey{Tier: TierChat, UserID: "u1", Kind: WindowMinute}.String(), 20, time.Minute)
	if minute.Remaining != 17 {
		t.Errorf("expected 17 per-minute attempts left, got %d", minute.Remaining)
	}

	vc.Advance(5*time.Second + time.Millisecond)
	if d := l.Check(ctx, TierChat, "u1"); !d.Allowed {
		t.Error("expected check after burst window to be allowed")
	}
}

func TestTieredLimiterConsumptionPolicy(t *testing.T) {
	ctx := context.Background()
	tiers := map[Tier]TierConfig{
		TierChat: {PerMinuteLimit: 10, BurstLimit: 1, BurstWindow: time.Minute},
	}
	minuteKey := WindowKey{Tier: TierChat, UserID: "u1", Kind: WindowMinute}.String()
	dailyKey := WindowKey{UserID: "u1", Kind: WindowDaily, Day: epoch.Format(time.DateOnly)}.String()

	t.Run("short circuit leaves later windows untouched", func(t *testing.T) {
		vc := clock.NewVirtual(epoch)
		l, counter := newTestLimiter(t, vc, WithTiers(tiers), WithPolicy(ShortCircuit))

		l.Check(ctx, TierChat, "u1")
		for i := 0; i < 4; i++ {
			if d := l.Check(ctx, TierChat, "u1"); d.Allowed {
				t.Fatal("expected burst rejection")
			}
		}

		minute, _ := counter.Observe(ctx, minuteKey, 10, time.Minute)
		if minute.Remaining != 9 {
			t.Errorf("expected only the accepted check on the minute window, remaining=%d", minute.Remaining)
		}
		// The daily window is consulted before burst, so it records every attempt.
		daily, _ := counter.Observe(ctx, dailyKey, DefaultDailyCap, 24*time.Hour)
		if daily.Remaining != DefaultDailyCap-5 {
			t.Errorf("expected 5 daily attempts, remaining=%d", daily.Remaining)
		}
	})

	t.Run("consume all charges every window with headroom", func(t *testing.T) {
		vc := clock.NewVirtual(epoch)
		l, counter := newTestLimiter(t, vc, WithTiers(tiers), WithPolicy(ConsumeAll))

		l.Check(ctx, TierChat, "u1")
		for i := 0; i < 4; i++ {
			if d := l.Check(ctx, TierChat, "u1"); d.Allowed {
				t.Fatal("expected burst rejection")
			}
		}

		minute, _ := counter.Observe(ctx, minuteKey, 10, time.Minute)
		if minute.Remaining != 5 {
			t.Errorf("expected all five checks on the minute window, remaining=%d", minute.Remaining)
		}
	})
}

func TestTieredLimiterDailyCap(t *testing.T) {
	ctx := context.Background()
	vc := clock.NewVirtual(epoch)
	l, _ := newTestLimiter(t, vc, WithDailyCap(3), WithTiers(map[Tier]TierConfig{
		TierChat:  {PerMinuteLimit: 100},
		TierAdmin: {PerMinuteLimit: 100},
	}))

	// The daily cap is shared by every tier.
	l.Check(ctx, TierChat, "u1")
	l.Check(ctx, TierAdmin, "u1")
	l.Check(ctx, TierChat, "u1")

	d := l.Check(ctx, TierAdmin, "u1")
	if d.Allowed {
		t.Fatal("expected daily cap rejection")
	}
	if d.RejectedBy != WindowDaily {
		t.Errorf("expected daily window to reject, got %q", d.RejectedBy)
	}
	midnight := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !d.RetryAt.Equal(midnight) {
		t.Errorf("expected retry at next midnight %v, got %v", midnight, d.RetryAt)
	}

	// A new calendar day uses a new key.
	vc.Set(midnight.Add(time.Minute))
	if d := l.Check(ctx, TierChat, "u1"); !d.Allowed {
		t.Error("expected new day to reset the daily cap")
	}
}

func TestTieredLimiterUnknownTier(t *testing.T) {
	ctx := context.Background()
	vc := clock.NewVirtual(epoch)
	l, _ := newTestLimiter(t, vc, WithTiers(map[Tier]TierConfig{
		TierChat: {PerMinuteLimit: 1},
	}))

	d := l.Check(ctx, "mystery", "u1")
	if !d.Allowed || d.Tier != TierChat {
		t.Fatalf("expected unknown tier to use chat budget, got %+v", d)
	}
	if d := l.Check(ctx, TierChat, "u1"); d.Allowed {
		t.Error("expected the shared chat budget to be exhausted")
	}
}

func TestTieredLimiterReload(t *testing.T) {
	ctx := context.Background()
	vc := clock.NewVirtual(epoch)
	l, _ := newTestLimiter(t, vc, WithTiers(map[Tier]TierConfig{
		TierChat: {PerMinuteLimit: 1},
	}))

	l.Check(ctx, TierChat, "u1")
	if d := l.Check(ctx, TierChat, "u1"); d.Allowed {
		t.Fatal("expected rejection at limit 1")
	}

	if err := l.SetTiers(map[Tier]TierConfig{TierChat: {PerMinuteLimit: 3}}); err != nil {
		t.Fatalf("SetTiers failed: %v", err)
	}
	if d := l.Check(ctx, TierChat, "u1"); !d.Allowed {
		t.Error("expected raised limit to apply immediately")
	}

	if err := l.SetTiers(map[Tier]TierConfig{TierAdmin: {PerMinuteLimit: 3}}); err == nil {
		t.Error("expected error when default tier is missing")
	}
	if err := l.SetDailyCap(-1); err == nil {
		t.Error("expected error for negative daily cap")
	}
	if err := l.SetDailyCap(0); err != nil || l.DailyCap() != 0 {
		t.Errorf("expected daily cap to be disabled, got %d (err=%v)", l.DailyCap(), err)
	}
}

func TestParseConsumptionPolicy(t *testing.T) {
	for in, want := range map[string]ConsumptionPolicy{"": ShortCircuit, "short_circuit": ShortCircuit, "consume_all": ConsumeAll} {
		got, err := ParseConsumptionPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseConsumptionPolicy(%q) = %v, %v", in, got, err)
		}
		if in != "" && got.String() != in {
			t.Errorf("expected String() %q, got %q", in, got.String())
		}
	}
	if _, err := ParseConsumptionPolicy("bogus"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
