// Package transport defines the publish/subscribe boundary every
// subsystem is built against (ledger, election, bridge, replog), keeping
// them free of a compile-time dependency on any one gossip implementation
// (spec §9 "callback injection"). The libp2p-pubsub-backed adapter lives
// in this package too; subsystems only ever see the interfaces.
package transport

import "context"

// Message is a single delivery from a subscription.
type Message struct {
	Topic string
	Data  []byte
	// From is the string form of the sending peer's transport-level
	// identity (for the in-memory fake, the name given to NewMemory).
	From string
	// Local is true when this message originated from this same node,
	// mirroring the teacher's "skip messages from self" gossip pattern.
	Local bool
}

// Subscription yields messages delivered to a topic.
type Subscription interface {
	// Next blocks until a message arrives or ctx is done.
	Next(ctx context.Context) (*Message, error)
	// Cancel releases the subscription's resources.
	Cancel()
}

// Publisher is the minimal capability every subsystem needs to
// disseminate a message: publish(topic, bytes).
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// PubSub is the full gossip capability: publish and subscribe. Subsystems
// that only publish should depend on Publisher instead.
type PubSub interface {
	Publisher
	Subscribe(topic string) (Subscription, error)
	Close() error
}
