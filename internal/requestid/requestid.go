// Package requestid propagates correlation ids via context. Management API
// requests and dispatched gateway envelopes both carry one.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Lookup returns the ID stored in ctx, if any.
func Lookup(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := Lookup(ctx); ok {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Ensure keeps an existing ID or attaches a fresh one.
func Ensure(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		return New(ctx)
	}
	return WithRequestID(ctx, id), id
}

// Logger returns logger annotated with the request ID carried by ctx.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id, ok := Lookup(ctx); ok {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}
