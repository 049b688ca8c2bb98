package logging

import (
	"context"
	"log/slog"
)

type requestIDKey struct{}

// ContextWithRequestID returns a copy of ctx carrying a request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored in ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ForRequest tags logger with the request ID stored in ctx.
func ForRequest(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RequestIDFrom(ctx); id != "" {
		return WithRequestID(logger, id)
	}
	return logger
}
