package ingest

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATSNotifier publishes rejection receipts to a subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	codec   Codec
}

// NewNotifier creates a notifier publishing on subject with codec
// (nil means JSON).
func NewNotifier(conn *nats.Conn, subject string, codec Codec) (*NATSNotifier, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	if codec == nil {
		codec = Default()
	}
	return &NATSNotifier{conn: conn, subject: subject, codec: codec}, nil
}

// Notify publishes r. Delivery is at most once.
func (n *NATSNotifier) Notify(ctx context.Context, r Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := n.codec.Marshal(r)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set(HeaderContentType, n.codec.ContentType())
	msg.Header.Set(HeaderUserID, r.UserID)
	msg.Header.Set(HeaderReason, r.Reason.String())
	return n.conn.PublishMsg(msg)
}

// Compile-time check
var _ Notifier = (*NATSNotifier)(nil)
