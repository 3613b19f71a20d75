package admit

import (
	"context"
	"log/slog"
)

const (
	eventContextKey contextKey = iota
)

type eventContextData struct {
	event  Event
	tier   string
	logger *slog.Logger
}

// contextKey
type contextKey int

// ContextEvent returns the admitted event stored in a task context.
func ContextEvent(ctx context.Context) (Event, bool) {
	s, ok := ctx.Value(eventContextKey).(*eventContextData)
	if ok {
		return s.event, true
	}
	return Event{}, false
}

// ContextEventID returns the ID of the event stored in ctx.
func ContextEventID(ctx context.Context) string {
	s, ok := ctx.Value(eventContextKey).(*eventContextData)
	if ok {
		return s.event.ID
	}
	return ""
}

// ContextUserID returns the user of the event stored in ctx.
func ContextUserID(ctx context.Context) string {
	s, ok := ctx.Value(eventContextKey).(*eventContextData)
	if ok {
		return s.event.UserID
	}
	return ""
}

// ContextTier returns the tier the event stored in ctx was admitted under.
func ContextTier(ctx context.Context) string {
	s, ok := ctx.Value(eventContextKey).(*eventContextData)
	if ok {
		return s.tier
	}
	return ""
}

// ContextLogger returns a logger annotated with the event stored in ctx,
// or slog.Default() when there is none.
func ContextLogger(ctx context.Context) *slog.Logger {
	s, ok := ctx.Value(eventContextKey).(*eventContextData)
	if ok && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func contextWithEvent(ctx context.Context, ev Event, tier string, l *slog.Logger) context.Context {
	return context.WithValue(ctx, eventContextKey, &eventContextData{
		event:  ev,
		tier:   tier,
		logger: l.With("event_id", ev.ID, "user", ev.UserID, "tier", tier),
	})
}
