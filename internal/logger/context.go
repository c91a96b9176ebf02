package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// runIDKey is the context key for the run id.
var runIDKey = contextKey{}

// WithRunID returns a new context carrying the run id, so code below the
// coordinator can correlate its logs without threading the id explicitly.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID extracts the run id from the context.
// Returns an empty string if none is set.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}
