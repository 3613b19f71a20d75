package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rbaliyan/admit"
)

// DefaultRequestTimeout bounds a work request whose task context has no
// deadline.
const DefaultRequestTimeout = 30 * time.Second

// WorkerError is a failure reported by the worker in its reply.
type WorkerError struct {
	EventID string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("ingest: worker failed event %s: %s", e.EventID, e.Message)
}

// IsWorkerError reports whether err came from a worker reply.
func IsWorkerError(err error) bool {
	var we *WorkerError
	return errors.As(err, &we)
}

// DispatcherOption configures a NATSDispatcher
type DispatcherOption func(*NATSDispatcher)

// WithDispatchCodec sets the codec for work requests (default: JSON).
func WithDispatchCodec(codec Codec) DispatcherOption {
	return func(d *NATSDispatcher) {
		if codec != nil {
			d.codec = codec
		}
	}
}

// WithRequestTimeout sets the timeout used when the task context has no
// deadline. Values <= 0 are ignored.
func WithRequestTimeout(timeout time.Duration) DispatcherOption {
	return func(d *NATSDispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *NATSDispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NATSDispatcher is a TaskFactory whose tasks send the event to a work
// subject and wait for a worker to reply. The task succeeds when the reply
// carries no HeaderError.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
	codec   Codec
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher that requests on subject.
func NewDispatcher(conn *nats.Conn, subject string, opts ...DispatcherOption) (*NATSDispatcher, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	if subject == "" {
		return nil, ErrSubjectRequired
	}

	d := &NATSDispatcher{
		conn:    conn,
		subject: subject,
		codec:   Default(),
		timeout: DefaultRequestTimeout,
		logger:  slog.Default().With("component", "ingest.dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewTask returns the task that dispatches ev.
func (d *NATSDispatcher) NewTask(ev admit.Event) admit.Task {
	return func(ctx context.Context) error {
		return d.Dispatch(ctx, ev)
	}
}

// Dispatch sends ev to the work subject and waits for the reply.
func (d *NATSDispatcher) Dispatch(ctx context.Context, ev admit.Event) error {
	data, err := d.codec.Marshal(ev)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	msg := nats.NewMsg(d.subject)
	msg.Data = data
	msg.Header.Set(HeaderContentType, d.codec.ContentType())
	msg.Header.Set(HeaderUserID, ev.UserID)
	if ev.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, ev.ID)
	}

	start := time.Now()
	resp, err := d.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("ingest: dispatch event %s: %w", ev.ID, err)
	}
	if reason := resp.Header.Get(HeaderError); reason != "" {
		return &WorkerError{EventID: ev.ID, Message: reason}
	}

	d.logger.Debug("event dispatched", "event_id", ev.ID, "user", ev.UserID, "latency", time.Since(start))
	return nil
}

// WorkHandler processes one dispatched event on the worker side.
type WorkHandler func(ctx context.Context, ev admit.Event) error

// ServeWork subscribes handler to the work subject and replies to every
// request. A handler error is returned to the dispatcher in HeaderError.
// Pass a non-empty queue to share the subject between workers.
func ServeWork(conn *nats.Conn, subject, queue string, codec Codec, handler WorkHandler) (*nats.Subscription, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	if codec == nil {
		codec = Default()
	}
	logger := slog.Default().With("component", "ingest.worker")

	cb := func(msg *nats.Msg) {
		resp := nats.NewMsg(msg.Reply)

		var ev admit.Event
		if err := codec.Unmarshal(msg.Data, &ev); err != nil {
			resp.Header.Set(HeaderError, err.Error())
		} else if err := handler(context.Background(), ev); err != nil {
			resp.Header.Set(HeaderError, err.Error())
		}

		if msg.Reply == "" {
			return
		}
		if err := msg.RespondMsg(resp); err != nil {
			logger.Error("work reply failed", "subject", subject, "error", err)
		}
	}

	if queue != "" {
		return conn.QueueSubscribe(subject, queue, cb)
	}
	return conn.Subscribe(subject, cb)
}

// Compile-time check
var _ TaskFactory = (*NATSDispatcher)(nil)
