package requestctx

import "context"

// secureContextKey is the context key for the secure-connection determination
// made by the trust-proxy stage.
type secureContextKey struct{}

// WithSecure records whether the request arrived over a secure connection.
func WithSecure(ctx context.Context, secure bool) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, secureContextKey{}, secure)
}

// SecureFromContext returns the recorded determination and whether one was
// recorded at all.
func SecureFromContext(ctx context.Context) (secure bool, ok bool) {
	if ctx == nil {
		return false, false
	}
	secure, ok = ctx.Value(secureContextKey{}).(bool)
	return secure, ok
}
