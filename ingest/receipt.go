package ingest

import (
	"time"

	"github.com/rbaliyan/admit"
	"github.com/rbaliyan/admit/ratelimit"
)

// Message headers set on everything ingest publishes.
const (
	HeaderContentType = "Content-Type"
	HeaderUserID      = "Admit-User"
	HeaderReason      = "Admit-Reason"
	// HeaderError carries a worker failure on a work reply.
	HeaderError = "Admit-Error"
)

// Receipt is the admission answer sent back to the producer of an event
// and to the rejection subject.
type Receipt struct {
	EventID     string         `json:"event_id,omitempty" msgpack:"event_id,omitempty"`
	UserID      string         `json:"user_id" msgpack:"user_id"`
	Accepted    bool           `json:"accepted" msgpack:"accepted"`
	Reason      admit.Reason   `json:"reason" msgpack:"reason"`
	Tier        ratelimit.Tier `json:"tier,omitempty" msgpack:"tier,omitempty"`
	QueuedAhead int            `json:"queued_ahead,omitempty" msgpack:"queued_ahead,omitempty"`
	RetryAt     time.Time      `json:"retry_at,omitzero" msgpack:"retry_at,omitempty"`
}

// NewReceipt builds the receipt of ev from its admission result.
func NewReceipt(ev admit.Event, res admit.Result) Receipt {
	return Receipt{
		EventID:     ev.ID,
		UserID:      ev.UserID,
		Accepted:    res.Accepted,
		Reason:      res.Reason,
		Tier:        res.Tier,
		QueuedAhead: res.QueuedAhead,
		RetryAt:     res.RetryAt,
	}
}

// Retryable reports whether the producer may resend the event later.
func (r Receipt) Retryable() bool {
	return r.Reason.Retryable()
}
