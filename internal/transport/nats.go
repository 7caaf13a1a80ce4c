package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// wireEnvelope is the frame NATS carries an application payload inside.
// Plain core NATS pub/sub has no notion of "every subscriber but the
// sender" or "exactly one named peer"; both broadcast variants are built
// here by embedding the sender and, for unicast, the intended recipient,
// and having each receiver filter itself out.
type wireEnvelope struct {
	From string          `json:"from"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data"`
}

// NATS is the production Transport, backed by a core NATS connection (no
// JetStream: presence gossip wants fire-and-forget fan-out, not an
// acked/persisted stream — durable storage is explicitly out of scope).
type NATS struct {
	conn *nats.Conn
	name string
}

// DialNATS connects to url and returns a Transport identified as name.
func DialNATS(url, name string, opts ...nats.Option) (*NATS, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial nats: %w", err)
	}
	return &NATS{conn: conn, name: name}, nil
}

func (n *NATS) NodeName() string { return n.name }

func (n *NATS) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	sub, err := n.conn.Subscribe(channel, func(m *nats.Msg) {
		var env wireEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			return
		}
		if env.From == n.name {
			return
		}
		if env.To != "" && env.To != n.name {
			return
		}
		handler(Message{From: env.From, Data: env.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %q: %w", channel, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (n *NATS) publish(channel string, env wireEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if err := n.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("transport: publish %q: %w", channel, err)
	}
	return nil
}

func (n *NATS) BroadcastFrom(ctx context.Context, channel string, data []byte) error {
	return n.publish(channel, wireEnvelope{From: n.name, Data: data})
}

func (n *NATS) DirectBroadcast(ctx context.Context, channel, to string, data []byte) error {
	return n.publish(channel, wireEnvelope{From: n.name, To: to, Data: data})
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
