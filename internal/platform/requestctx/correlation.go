// Package requestctx carries request-scoped identifiers through contexts.
package requestctx

import "context"

// CorrelationHeader is the HTTP header that carries a caller's correlation id.
const CorrelationHeader = "X-Correlation-ID"

type correlationIDContextKey struct{}

// WithCorrelationID stores a correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDContextKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation id stored in context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationIDContextKey{}).(string)
	return value
}
