package realtime

import "context"

// Transport opens push subscriptions. Implementations decode the backend's
// envelope JSON; they never reorder, deduplicate or coalesce messages.
type Transport interface {
	Subscribe(ctx context.Context, channel, token string) (Subscription, error)
}

// Subscription is one live push channel.
type Subscription interface {
	// Next blocks until the next envelope arrives, ctx is done or the
	// subscription is closed. Errors wrapping ErrAuth are fatal auth errors.
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// TokenRotator is implemented by subscriptions that accept a fresh token
// without being torn down.
type TokenRotator interface {
	RotateToken(ctx context.Context, token string) error
}
