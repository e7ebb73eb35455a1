package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Subscription is a scoped listener handle. Close is idempotent.
type Subscription interface {
	Close()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Close() { f() }

// SignalingChannel is the append-only pub/sub the peers negotiate through.
// Envelopes are durable once published and are delivered to every matching
// subscriber, including ones registered after publication. Ordering holds
// only among envelopes of the same sender; delivery is at-least-once.
type SignalingChannel interface {
	Publish(ctx context.Context, env domain.Envelope) error
	Subscribe(ctx context.Context, sid domain.SessionID, match func(domain.Envelope) bool, fn func(domain.Envelope)) (Subscription, error)
}

// ConnectionWatcher is implemented by backends reached over a connection that
// can drop and come back. fn gets the cause when it drops and nil once it is
// back with every subscription in place again.
type ConnectionWatcher interface {
	WatchConnection(fn func(err error)) Subscription
}
