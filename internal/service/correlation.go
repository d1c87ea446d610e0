package service

import "context"

type correlationKey struct{}

// WithCorrelationID attaches a per-request correlation identifier to the
// context so all components can tie their log lines to one request
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation identifier for the request, or an
// empty string when none was attached
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
