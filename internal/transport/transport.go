// Package transport defines the pub/sub contract the tracker server uses
// to gossip with peers, and provides two implementations: NATS for
// production clusters and Local for single-process tests.
//
// The contract is narrowed to the three operations a gossip replica
// actually needs: subscribe to a channel, broadcast to every other
// member, and unicast to one named member.
package transport

import "context"

// Message is one wire-level payload handed to a subscriber, already
// decoded from transport framing but not yet decoded from the presence
// wire format (that is tracker.decodeEnvelope's job).
type Message struct {
	// From is the node name of the sender, used by implementations that
	// cannot filter the sender out at the transport layer themselves.
	From string
	Data []byte
}

// Handler is invoked once per inbound message. It must not block for long;
// the tracker server's Subscribe callback enqueues work onto its own
// mailbox rather than processing inline.
type Handler func(Message)

// Transport is the pub/sub contract a gossip replica needs: Subscribe to
// receive, BroadcastFrom to send to every other member while excluding
// the sender itself, and DirectBroadcast to unicast one peer by name.
type Transport interface {
	// Subscribe registers handler for all messages published to channel.
	// It returns a cancel function that unregisters it.
	Subscribe(ctx context.Context, channel string, handler Handler) (cancel func(), err error)

	// BroadcastFrom publishes data to channel, excluding the sender named
	// by NodeName() from the set of handlers that receive it.
	BroadcastFrom(ctx context.Context, channel string, data []byte) error

	// DirectBroadcast publishes data to channel, addressed to a single
	// named peer; other subscribers ignore it.
	DirectBroadcast(ctx context.Context, channel, to string, data []byte) error

	// NodeName is this transport's own identity, used both as the
	// exclusion key for BroadcastFrom and as the To match for
	// DirectBroadcast.
	NodeName() string

	// Close releases all resources. Subsequent calls are a no-op.
	Close() error
}
