package relay

import "context"

type contextKey string

const explicitKeyContextKey contextKey = "explicit-upstream-key"

// WithExplicitKey marks the request as carrying its own upstream credential.
// Auth middleware sets it for passthrough bearers.
func WithExplicitKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, explicitKeyContextKey, key)
}

// ExplicitKeyFromContext returns the client-supplied upstream key, if any.
// A non-empty value makes the relay bypass the pool.
func ExplicitKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(explicitKeyContextKey).(string)
	return key
}
