package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Virtual is a manually driven clock.
//
// Time only moves when Advance or Set is called, which makes sliding-window
// behavior deterministic in tests. Timers and sleepers created from it fire
// as time is advanced. Safe for concurrent use.
type Virtual struct {
	*clockwork.FakeClock
}

// NewVirtual creates a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{FakeClock: clockwork.NewFakeClockAt(start)}
}

// Advance moves the clock forward by d. Panics if d is negative.
func (c *Virtual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.FakeClock.Advance(d)
}

// Set moves the clock to t. Panics if t is before the current time.
func (c *Virtual) Set(t time.Time) {
	d := t.Sub(c.Now())
	if d < 0 {
		panic("clock: cannot set time to the past")
	}
	c.FakeClock.Advance(d)
}
