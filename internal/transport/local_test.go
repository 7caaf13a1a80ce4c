package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastFromExcludesSender(t *testing.T) {
	hub := NewHub()
	a := hub.Node("a")
	b := hub.Node("b")

	var mu sync.Mutex
	var gotOnA, gotOnB []Message

	cancelA, err := a.Subscribe(context.Background(), "cluster", func(m Message) {
		mu.Lock()
		gotOnA = append(gotOnA, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancelA()
	cancelB, err := b.Subscribe(context.Background(), "cluster", func(m Message) {
		mu.Lock()
		gotOnB = append(gotOnB, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.BroadcastFrom(context.Background(), "cluster", []byte("hi")))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(gotOnB)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, gotOnA, "sender should not receive its own broadcast")
	require.Len(t, gotOnB, 1)
	require.Equal(t, "hi", string(gotOnB[0].Data))
	require.Equal(t, "a", gotOnB[0].From)
}

func TestDirectBroadcastAddressesOnePeer(t *testing.T) {
	hub := NewHub()
	a := hub.Node("a")
	b := hub.Node("b")
	c := hub.Node("c")

	var mu sync.Mutex
	var gotOnB, gotOnC []Message

	cancelB, err := b.Subscribe(context.Background(), "sync", func(m Message) {
		mu.Lock()
		gotOnB = append(gotOnB, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancelB()
	cancelC, err := c.Subscribe(context.Background(), "sync", func(m Message) {
		mu.Lock()
		gotOnC = append(gotOnC, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancelC()

	require.NoError(t, a.DirectBroadcast(context.Background(), "sync", "b", []byte("only-b")))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(gotOnB)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, gotOnC, "c should not receive a message addressed to b")
	require.Len(t, gotOnB, 1)
	require.Equal(t, "only-b", string(gotOnB[0].Data))
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Node("a")
	b := hub.Node("b")

	var mu sync.Mutex
	var got []Message
	cancel, err := b.Subscribe(context.Background(), "x", func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	cancel()

	require.NoError(t, a.BroadcastFrom(context.Background(), "x", []byte("after-cancel")))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, got, "expected no delivery after cancel")
}
