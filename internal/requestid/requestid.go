// Package requestid carries per-request correlation IDs through context, so
// queue activity triggered over the API can be tied back to the editor call
// that caused it.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// With returns a context carrying the given request ID.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID in ctx, or "" when none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure keeps a caller-supplied ID (the editor forwards its own on retries)
// or mints a fresh one, and returns the enriched context alongside it.
func Ensure(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		id = uuid.New().String()
	}
	return With(ctx, id), id
}

// Logger returns base enriched with the context's request ID, when present.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if id := FromContext(ctx); id != "" {
		return base.With().Str("request_id", id).Logger()
	}
	return base
}
