package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestFallbackCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("uses primary while healthy", func(t *testing.T) {
		mr, client := newTestRedis(t)
		local := NewMemoryCounter()
		f := NewFallbackCounter(NewRedisCounter(client), local)

		res, err := f.Consume(ctx, "k", 1, time.Minute)
		if err != nil || !res.Allowed {
			t.Fatalf("expected allowed, got %+v (err=%v)", res, err)
		}
		if !mr.Exists(DefaultKeyPrefix + "k") {
			t.Error("expected primary to record the attempt")
		}
		if local.Len() != 0 {
			t.Errorf("expected local counter untouched, has %d keys", local.Len())
		}
		if f.Degraded() {
			t.Error("expected healthy state")
		}
	})

	t.Run("degrades to local when primary fails", func(t *testing.T) {
		mr, client := newTestRedis(t)
		local := NewMemoryCounter()
		f := NewFallbackCounter(NewRedisCounter(client), local, WithProbeInterval(time.Hour))
		mr.Close()

		res, err := f.Consume(ctx, "k", 2, time.Minute)
		if err != nil {
			t.Fatalf("expected no error on fallback, got %v", err)
		}
		if !res.Allowed {
			t.Error("expected local counter to allow")
		}
		if !f.Degraded() {
			t.Error("expected degraded state")
		}

		// Local limits still apply.
		f.Consume(ctx, "k", 2, time.Minute)
		res, _ = f.Consume(ctx, "k", 2, time.Minute)
		if res.Allowed {
			t.Error("expected local counter to enforce the limit")
		}
	})

	t.Run("recovers after probe interval", func(t *testing.T) {
		mr, client := newTestRedis(t)
		f := NewFallbackCounter(NewRedisCounter(client), NewMemoryCounter(), WithProbeInterval(300*time.Millisecond))

		mr.Close()
		f.Consume(ctx, "k", 10, time.Minute)
		if !f.Degraded() {
			t.Fatal("expected degraded state")
		}

		if err := mr.Restart(); err != nil {
			t.Fatalf("restart failed: %v", err)
		}
		// Within the probe interval the primary is not retried.
		f.Consume(ctx, "k", 10, time.Minute)
		if !f.Degraded() {
			t.Error("expected to stay degraded until the next probe")
		}

		time.Sleep(400 * time.Millisecond)
		if _, err := f.Consume(ctx, "k", 10, time.Minute); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if f.Degraded() {
			t.Error("expected recovery after probe")
		}
	})

	t.Run("validation errors are returned", func(t *testing.T) {
		_, client := newTestRedis(t)
		f := NewFallbackCounter(NewRedisCounter(client), NewMemoryCounter())

		if _, err := f.Consume(ctx, "", 1, time.Minute); err == nil {
			t.Error("expected validation error")
		}
		if f.Degraded() {
			t.Error("validation errors must not degrade the counter")
		}
	})
}
