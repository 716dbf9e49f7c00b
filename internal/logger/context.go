package logger

import "context"

type contextKey int

const requestIDKey contextKey = iota

// WithRequestID stores the request ID on the context for downstream log
// records and error reports.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID from the context, or "" if unset.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
