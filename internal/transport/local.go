package transport

import (
	"context"
	"sync"
)

// envelope is the framing Local adds around a published payload so a
// single shared Hub can implement both BroadcastFrom's self-exclusion and
// DirectBroadcast's single-recipient addressing without a real transport's
// help.
type envelope struct {
	from    string
	to      string // empty for a broadcast
	exclude string // the sender, for BroadcastFrom; empty for DirectBroadcast
	data    []byte
}

type localSub struct {
	id      int
	node    string
	channel string
	handler Handler
	msgs    chan envelope
	done    chan struct{}
}

// Hub is an in-memory broker shared by every Local transport created from
// it, standing in for the NATS server in single-process tests: a
// subscription map, a per-subscriber buffered channel, and one delivery
// goroutine per subscriber, so a slow handler stalls the publisher only
// once that subscriber's 64-message buffer is full.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]*localSub // channel -> subID -> sub
	nextID int
}

// NewHub returns an empty, ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*localSub)}
}

// Node returns a Transport bound to name, sharing this Hub with every
// other node created from it.
func (h *Hub) Node(name string) *Local {
	return &Local{hub: h, name: name}
}

func (h *Hub) publish(channel string, env envelope) {
	h.mu.Lock()
	subs := make([]*localSub, 0, len(h.subs[channel]))
	for _, s := range h.subs[channel] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if env.exclude != "" && s.node == env.exclude {
			continue
		}
		if env.to != "" && s.node != env.to {
			continue
		}
		select {
		case s.msgs <- env:
		case <-s.done:
		}
	}
}

func (h *Hub) subscribe(node, channel string, handler Handler) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	sub := &localSub{
		id:      id,
		node:    node,
		channel: channel,
		handler: handler,
		msgs:    make(chan envelope, 64),
		done:    make(chan struct{}),
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]*localSub)
	}
	h.subs[channel][id] = sub
	h.mu.Unlock()

	go func() {
		for {
			select {
			case env := <-sub.msgs:
				sub.handler(Message{From: env.from, Data: env.data})
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[channel], id)
			h.mu.Unlock()
			close(sub.done)
		})
	}
}

// Local is an in-memory Transport for deterministic multi-node tests: no
// network, no serialization boundary beyond what the caller already did.
type Local struct {
	hub  *Hub
	name string
}

func (l *Local) NodeName() string { return l.name }

func (l *Local) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	cancel := l.hub.subscribe(l.name, channel, handler)
	return cancel, nil
}

func (l *Local) BroadcastFrom(ctx context.Context, channel string, data []byte) error {
	l.hub.publish(channel, envelope{from: l.name, exclude: l.name, data: data})
	return nil
}

func (l *Local) DirectBroadcast(ctx context.Context, channel, to string, data []byte) error {
	l.hub.publish(channel, envelope{from: l.name, to: to, data: data})
	return nil
}

func (l *Local) Close() error { return nil }
