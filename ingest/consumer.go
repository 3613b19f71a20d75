// Package ingest connects the admission gate to NATS.
//
// A Consumer subscribes to an event subject, decodes each message into an
// admit.Event and submits it to the gate. Producers that publish with a
// reply subject get a Receipt back; rejected events are also handed to a
// Notifier so the end user hears about them right away.
//
// Accepted events become tasks through a TaskFactory. NATSDispatcher is the
// usual factory: it forwards the event to a work subject as a request and
// completes when a worker replies.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/rbaliyan/admit"
)

// Consumer errors
var (
	ErrConnRequired      = errors.New("ingest: nats connection is required")
	ErrSubjectRequired   = errors.New("ingest: subject is required")
	ErrSubmitterRequired = errors.New("ingest: submitter is required")
	ErrFactoryRequired   = errors.New("ingest: task factory is required")
	ErrAlreadyStarted    = errors.New("ingest: consumer already started")
	ErrNotStarted        = errors.New("ingest: consumer not started")
)

// Submitter is the admission entry point. *admit.Gate implements it.
type Submitter interface {
	Submit(ctx context.Context, ev admit.Event, task admit.Task) (admit.Result, error)
}

// TaskFactory builds the work for an event.
type TaskFactory interface {
	NewTask(ev admit.Event) admit.Task
}

// TaskFactoryFunc adapts a function to TaskFactory.
type TaskFactoryFunc func(ev admit.Event) admit.Task

// NewTask calls f(ev).
func (f TaskFactoryFunc) NewTask(ev admit.Event) admit.Task {
	return f(ev)
}

// Notifier is told about every rejected event.
type Notifier interface {
	Notify(ctx context.Context, r Receipt) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r Receipt) error

// Notify calls f(ctx, r).
func (f NotifierFunc) Notify(ctx context.Context, r Receipt) error {
	return f(ctx, r)
}

// ConsumerStats counts messages seen by a Consumer.
type ConsumerStats struct {
	Received int64 `json:"received"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Dropped  int64 `json:"dropped"`
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithQueue joins the subscription to a queue group so several consumers
// share the subject.
func WithQueue(queue string) ConsumerOption {
	return func(c *Consumer) {
		c.queue = queue
	}
}

// WithCodec sets the codec for events and receipts (default: JSON).
func WithCodec(codec Codec) ConsumerOption {
	return func(c *Consumer) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithNotifier sets the Notifier for rejected events.
func WithNotifier(n Notifier) ConsumerOption {
	return func(c *Consumer) {
		c.notifier = n
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTrustedTier keeps the tier field of incoming events. By default it
// is cleared so producers cannot pick their own budget.
func WithTrustedTier(trusted bool) ConsumerOption {
	return func(c *Consumer) {
		c.trustTier = trusted
	}
}

// Consumer feeds events from a NATS subject into a Submitter.
type Consumer struct {
	conn      *nats.Conn
	subject   string
	queue     string
	codec     Codec
	submitter Submitter
	factory   TaskFactory
	notifier  Notifier
	trustTier bool
	logger    *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	ctx context.Context

	received atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

// NewConsumer creates a Consumer for subject.
func NewConsumer(conn *nats.Conn, subject string, submitter Submitter, factory TaskFactory, opts ...ConsumerOption) (*Consumer, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	if submitter == nil {
		return nil, ErrSubmitterRequired
	}
	if factory == nil {
		return nil, ErrFactoryRequired
	}

	c := &Consumer{
		conn:      conn,
		subject:   subject,
		codec:     Default(),
		submitter: submitter,
		factory:   factory,
		logger:    slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start subscribes to the subject. ctx is passed to Submit and the
// Notifier for every message until Close.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return ErrAlreadyStarted
	}

	var (
		sub *nats.Subscription
		err error
	)
	if c.queue != "" {
		sub, err = c.conn.QueueSubscribe(c.subject, c.queue, c.handle)
	} else {
		sub, err = c.conn.Subscribe(c.subject, c.handle)
	}
	if err != nil {
		return err
	}

	c.ctx = ctx
	c.sub = sub
	c.logger.Info("consumer started", "subject", c.subject, "queue", c.queue, "codec", c.codec.Name())
	return nil
}

// Close drains the subscription: messages already delivered are still
// submitted, nothing new is read.
func (c *Consumer) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	if sub == nil {
		return ErrNotStarted
	}
	if !sub.IsValid() {
		return nil
	}
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	c.logger.Info("consumer draining", "subject", c.subject)
	return nil
}

// Stats returns the message counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received: c.received.Load(),
		Accepted: c.accepted.Load(),
		Rejected: c.rejected.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Consumer) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Consumer) handle(msg *nats.Msg) {
	c.received.Add(1)
	ctx := c.baseContext()

	var ev admit.Event
	if err := c.codec.Unmarshal(msg.Data, &ev); err != nil {
		c.dropped.Add(1)
		c.logger.Warn("dropping undecodable event", "subject", msg.Subject, "size", len(msg.Data), "error", err)
		return
	}
	if ev.ID == "" && msg.Header != nil {
		ev.ID = msg.Header.Get(nats.MsgIdHdr)
	}
	if !c.trustTier {
		ev.Tier = ""
	}

	res, err := c.submitter.Submit(ctx, ev, c.factory.NewTask(ev))
	if err != nil {
		c.dropped.Add(1)
		c.logger.Warn("dropping invalid event", "event_id", ev.ID, "error", err)
		return
	}

	receipt := NewReceipt(ev, res)
	if res.Accepted {
		c.accepted.Add(1)
	} else {
		c.rejected.Add(1)
		if c.notifier != nil {
			if err := c.notifier.Notify(ctx, receipt); err != nil {
				c.logger.Error("notify failed", "event_id", ev.ID, "user", ev.UserID, "reason", res.Reason, "error", err)
			}
		}
	}

	if msg.Reply != "" {
		c.reply(msg, receipt)
	}
}

func (c *Consumer) reply(msg *nats.Msg, receipt Receipt) {
	data, err := c.codec.Marshal(receipt)
	if err != nil {
		c.logger.Error("encode receipt failed", "event_id", receipt.EventID, "error", err)
		return
	}

	resp := nats.NewMsg(msg.Reply)
	resp.Data = data
	resp.Header.Set(HeaderContentType, c.codec.ContentType())
	resp.Header.Set(HeaderReason, receipt.Reason.String())
	if err := msg.RespondMsg(resp); err != nil {
		c.logger.Error("reply failed", "event_id", receipt.EventID, "error", err)
	}
}
