package wmslive

import "context"

// Transport is a single persistent connection to a message broker that
// supports destination-scoped publish/subscribe.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Subscribe(ctx context.Context, destination string) error
	Unsubscribe(ctx context.Context, destination string) error
}

// TransportHandler receives the inbound side of a Transport. A transport calls
// OnMessage from a single goroutine per connection, in the order messages were
// received.
type TransportHandler interface {
	OnMessage(destination string, body []byte)

	// OnDisconnect is called once per established connection when it ends.
	// err is nil when the disconnect was requested via Disconnect.
	OnDisconnect(err error)

	// OnError reports a protocol-level error sent by the peer. A transport
	// that reports an error must also end the connection, which it reports
	// through OnDisconnect.
	OnError(err error)
}

// SubscriptionHandler is an optional extension of TransportHandler for
// transports that send one copy of a message per matching subscription, as
// wildcard-aware STOMP brokers do. subscription is the destination the copy
// was subscribed under and may be a pattern; destination is where the message
// was published.
type SubscriptionHandler interface {
	OnSubscriptionMessage(subscription, destination string, body []byte)
}

// TransportFactory creates a Transport bound to the given handler.
type TransportFactory func(handler TransportHandler) (Transport, error)
