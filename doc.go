// Package admit is a request admission and per-user scheduling core for
// conversational services.
//
// Every inbound event passes through one pipeline:
//
//	event -> dedupe -> classify -> tiered rate limit -> per-user queue -> global slot -> task
//
// Rate limiting and backlog admission are decided synchronously: Submit
// either accepts the event or returns a Reason the caller can show the user
// right away. Accepted tasks of one user run strictly in arrival order;
// tasks of different users run concurrently up to MaxGlobalRunning.
//
// Basic example:
//
//	gate, err := admit.New(admit.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gate.Close(ctx)
//
//	res, err := gate.Submit(ctx, admit.Event{
//	    ID:      update.ID,
//	    UserID:  update.From,
//	    Command: update.Text,
//	}, func(ctx context.Context) error {
//	    return reply(ctx, update)
//	})
//	if err != nil {
//	    return err // malformed event
//	}
//	if !res.Accepted {
//	    notify(update.From, res.Reason, res.RetryAt)
//	}
//
// Gate Options:
//   - WithCounter: window counter backend. Default is an in-memory counter.
//     Use ratelimit.NewFallbackCounter over a RedisCounter for multi-instance
//     deployments.
//   - WithClassifier: tier classification rules. Default is built from Config.Rules.
//   - WithDedupeStore: store of recently seen event IDs. Default keeps
//     Config.DedupeSize IDs in memory; idempotency.RedisStore shares them.
//   - WithLogger: set logger for the gate.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithMeter: OpenTelemetry meter for submission counters and gauges.
//   - WithClock: clock for rate windows and timestamps.
//   - WithBaseContext: parent context of every task context.
//
// Task Context:
// Tasks receive a context carrying the admitted event:
//
//	func(ctx context.Context) error {
//	    ev, _ := admit.ContextEvent(ctx)
//	    admit.ContextLogger(ctx).Info("handling", "command", ev.Command)
//	    ...
//	}
package admit
