package admit

import (
	"time"

	"github.com/rbaliyan/admit/ratelimit"
	"github.com/rbaliyan/admit/scheduler"
)

// Reason is the admission outcome of Submit.
type Reason string

const (
	ReasonAccepted          Reason = "accepted"
	ReasonDuplicate         Reason = "duplicate"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonUserBacklogFull   Reason = "user_backlog_full"
	ReasonGlobalBacklogFull Reason = "global_backlog_full"
	ReasonClosed            Reason = "closed"
)

// String returns the reason value.
func (r Reason) String() string {
	return string(r)
}

// Retryable reports whether submitting the same event later may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonUserBacklogFull, ReasonGlobalBacklogFull:
		return true
	default:
		return false
	}
}

func reasonFromScheduler(r scheduler.Reason) Reason {
	switch r {
	case scheduler.ReasonUserBacklogFull:
		return ReasonUserBacklogFull
	case scheduler.ReasonGlobalBacklogFull:
		return ReasonGlobalBacklogFull
	case scheduler.ReasonClosed:
		return ReasonClosed
	default:
		return ReasonAccepted
	}
}

// Result is the synchronous answer of Submit.
type Result struct {
	Accepted bool
	Reason   Reason
	// Tier is the tier the event was classified into. Empty for
	// duplicates and submissions to a closed gate.
	Tier ratelimit.Tier
	// QueuedAhead counts the user's items that finish before this one.
	QueuedAhead int
	// Completion resolves when the task has run. Nil unless Accepted.
	Completion *scheduler.Completion
	// RateLimit is the limiter decision. Zero for events rejected before
	// the limiter was consulted.
	RateLimit ratelimit.Decision
	// RetryAt is set for rate-limited events: the earliest time the
	// rejecting window may accept again.
	RetryAt time.Time
}
