// Package clock abstracts time for rate windows and queue bookkeeping.
//
// Every time-dependent component in admit reads time through Clock so that
// window expiry can be exercised with Virtual in tests instead of sleeping.
// Both clocks are backed by clockwork.
package clock

import "github.com/jonboulle/clockwork"

// Clock provides the current time. It is clockwork's clock, so callers may
// also sleep, wait and build timers against it.
type Clock = clockwork.Clock

// New returns the wall clock.
func New() Clock {
	return clockwork.NewRealClock()
}

// Compile-time checks
var _ Clock = (*Virtual)(nil)
