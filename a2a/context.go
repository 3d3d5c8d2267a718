package a2a

import "context"

type correlationKey struct{}

// WithCorrelationID returns a copy of ctx carrying id. Tool and peer calls
// made with the returned context forward id unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
