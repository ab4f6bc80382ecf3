package dispatch

import (
	"context"
	"time"
)

type callerKey struct{}

// Caller identifies who a dispatched request came from.
type Caller struct {
	SessionID string
	ClientID  string
	Scope     string
	Transport string
	CreatedAt time.Time

	// LastActivity reports when the session last received a message or
	// delivered a frame. Nil outside a session.
	LastActivity func() time.Time
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx, or the zero Caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// LastActiveAt returns c.LastActivity(), or the zero time when unset.
func (c Caller) LastActiveAt() time.Time {
	if c.LastActivity == nil {
		return time.Time{}
	}

	return c.LastActivity()
}
