package clock

import (
	"testing"
	"time"
)

func TestVirtual(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Advance moves time forward", func(t *testing.T) {
		c := NewVirtual(start)
		c.Advance(90 * time.Second)

		if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
			t.Errorf("expected %v, got %v", start.Add(90*time.Second), got)
		}
		if got := c.Since(start); got != 90*time.Second {
			t.Errorf("expected 90s since start, got %v", got)
		}
	})

	t.Run("Set jumps to an exact time", func(t *testing.T) {
		c := NewVirtual(start)
		target := start.Add(24 * time.Hour)
		c.Set(target)

		if !c.Now().Equal(target) {
			t.Errorf("expected %v, got %v", target, c.Now())
		}
	})

	t.Run("Advance fires due timers", func(t *testing.T) {
		c := NewVirtual(start)
		fired := c.After(time.Minute)

		c.Advance(59 * time.Second)
		select {
		case <-fired:
			t.Fatal("timer fired early")
		default:
		}

		c.Set(start.Add(time.Minute))
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("expected timer to fire once the deadline is reached")
		}
	})

	t.Run("Advance panics on negative duration", func(t *testing.T) {
		c := NewVirtual(start)
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		c.Advance(-time.Second)
	})

	t.Run("Set panics when moving backwards", func(t *testing.T) {
		c := NewVirtual(start)
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		c.Set(start.Add(-time.Minute))
	})
}

func TestReal(t *testing.T) {
	c := New()
	before := time.Now()
	now := c.Now()

	if now.Before(before) {
		t.Errorf("real clock went backwards: %v < %v", now, before)
	}
	if c.Since(before) < 0 {
		t.Error("expected non-negative Since")
	}
}
