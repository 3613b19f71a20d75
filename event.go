package admit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/admit/ratelimit"
)

// Event is one inbound user event.
type Event struct {
	// ID identifies the event for duplicate suppression. Empty IDs are
	// never treated as duplicates.
	ID string `json:"id,omitempty" msgpack:"id,omitempty"`
	// UserID is the actor whose budget and queue the event uses. Required.
	UserID string `json:"user_id" msgpack:"user_id"`
	// Command is the message text, e.g. "/imagine a fox".
	Command string `json:"command,omitempty" msgpack:"command,omitempty"`
	// Attachment is the content kind, e.g. "photo" or "voice".
	Attachment string `json:"attachment,omitempty" msgpack:"attachment,omitempty"`
	// Tier is an explicit tier signal from trusted code.
	Tier ratelimit.Tier `json:"tier,omitempty" msgpack:"tier,omitempty"`
	// Metadata is carried through to the task untouched.
	Metadata map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	// ReceivedAt defaults to the time of Submit.
	ReceivedAt time.Time `json:"received_at,omitempty" msgpack:"received_at,omitempty"`
}

// NewEventID generates a new unique event ID.
func NewEventID() string {
	return uuid.New().String()
}

// Descriptor returns the classification input of the event.
func (e Event) Descriptor() ratelimit.Descriptor {
	return ratelimit.Descriptor{
		Tier:       e.Tier,
		Command:    e.Command,
		Attachment: e.Attachment,
	}
}

func (e Event) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	return nil
}
