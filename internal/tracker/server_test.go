package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/presence/internal/perrors"
	"github.com/ruvnet/presence/internal/transport"
)

type recorder struct {
	mu    sync.Mutex
	diffs []Diff
}

func (r *recorder) HandleDiff(d Diff) error {
	r.mu.Lock()
	r.diffs = append(r.diffs, d)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diff, len(r.diffs))
	copy(out, r.diffs)
	return out
}

func testConfig() Config {
	return Config{
		BroadcastPeriod:    15 * time.Millisecond,
		MaxSilentPeriods:   3,
		DownPeriod:         60 * time.Millisecond,
		PermdownPeriod:     220 * time.Millisecond,
		ClockSamplePeriods: 2,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func startServer(t *testing.T, ctx context.Context, cfg Config, name string, tr transport.Transport, h Handler) *Server {
	t.Helper()
	srv, err := New(cfg, name, "room-ns", tr, h, zaptest.NewLogger(t), nil)
	require.NoError(t, err, "New(%s)", name)
	require.NoError(t, srv.Start(ctx), "Start(%s)", name)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// S1 — Solo join/leave.
func TestS1SoloJoinLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	rec := &recorder{}
	srv := startServer(t, ctx, testConfig(), "A", hub.Node("A"), rec)

	ref1, err := srv.Track(ctx, "pidA", "room", "u1", map[string]any{"status": "on"})
	require.NoError(t, err)

	list, err := srv.List(ctx, "room")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "u1", list[0].Key)
	require.Equal(t, ref1, list[0].Meta["phx_ref"])

	diffs := rec.snapshot()
	require.Len(t, diffs, 1, "expected one diff after track")
	td := diffs[0]["room"]
	require.Len(t, td.Joins, 1)
	require.Empty(t, td.Leaves)
	require.Equal(t, "u1", td.Joins[0].Key)

	require.NoError(t, srv.Untrack(ctx, "pidA", "room", "u1"))
	list, err = srv.List(ctx, "room")
	require.NoError(t, err)
	require.Empty(t, list)

	diffs = rec.snapshot()
	require.Len(t, diffs, 2, "expected two diffs total")
	td = diffs[1]["room"]
	require.Len(t, td.Leaves, 1)
	require.Equal(t, ref1, td.Leaves[0].Meta["phx_ref"])
}

// S2 — Two-node convergence.
func TestS2TwoNodeConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	hub := transport.NewHub()
	recB := &recorder{}
	srvA := startServer(t, ctx, cfg, "A", hub.Node("A"), nil)
	srvB := startServer(t, ctx, cfg, "B", hub.Node("B"), recB)

	_, err := srvA.Track(ctx, "pidA", "room", "u1", nil)
	require.NoError(t, err)

	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		list, _ := srvB.List(ctx, "room")
		return len(list) == 1 && list[0].Key == "u1"
	})

	found := false
	for _, d := range recB.snapshot() {
		for _, km := range d["room"].Joins {
			if km.Key == "u1" {
				found = true
			}
		}
	}
	require.True(t, found, "expected B's handler to observe a join for u1")
}

// S3 — Metadata update.
func TestS3MetadataUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	rec := &recorder{}
	srv := startServer(t, ctx, testConfig(), "A", hub.Node("A"), rec)

	ref1, err := srv.Track(ctx, "pidA", "room", "u1", map[string]any{"n": 1})
	require.NoError(t, err)
	ref2, err := srv.Update(ctx, "pidA", "room", "u1", map[string]any{"n": 2})
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref2, "expected Update to assign a fresh ref")

	diffs := rec.snapshot()
	last := diffs[len(diffs)-1]["room"]
	require.Len(t, last.Joins, 1)
	require.Len(t, last.Leaves, 1)
	require.Equal(t, ref2, last.Joins[0].Meta["phx_ref"])
	require.Equal(t, ref1, last.Joins[0].Meta["phx_ref_prev"])
	require.Equal(t, ref1, last.Leaves[0].Meta["phx_ref"])

	_, err = srv.Update(ctx, "pidA", "room", "missing", map[string]any{})
	require.ErrorIs(t, err, perrors.ErrNoPresence)
}

// S3b — Metadata update converges to a peer: the peer must still see the
// key after the update, with the new ref, not lose it entirely.
func TestS3MetadataUpdateConvergesToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	hub := transport.NewHub()
	srvA := startServer(t, ctx, cfg, "A", hub.Node("A"), nil)
	srvB := startServer(t, ctx, cfg, "B", hub.Node("B"), nil)

	_, err := srvA.Track(ctx, "pidA", "room", "u1", map[string]any{"n": 1})
	require.NoError(t, err)

	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		list, _ := srvB.List(ctx, "room")
		return len(list) == 1 && list[0].Key == "u1"
	})

	ref2, err := srvA.Update(ctx, "pidA", "room", "u1", map[string]any{"n": 2})
	require.NoError(t, err)

	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		list, _ := srvB.List(ctx, "room")
		return len(list) == 1 && list[0].Meta["phx_ref"] == ref2
	})

	list, err := srvB.List(ctx, "room")
	require.NoError(t, err)
	require.Len(t, list, 1, "expected the updated entry to still be present on B, not dropped")
	require.Equal(t, "u1", list[0].Key)
	require.Equal(t, ref2, list[0].Meta["phx_ref"])
}

// S4 — Peer restart.
func TestS4PeerRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	hub := transport.NewHub()
	recA := &recorder{}
	srvA := startServer(t, ctx, cfg, "A", hub.Node("A"), recA)

	srvB1 := startServer(t, ctx, cfg, "B", hub.Node("B"), nil)
	_, err := srvB1.Track(ctx, "pidB", "room", "u2", nil)
	require.NoError(t, err)
	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		list, _ := srvA.List(ctx, "room")
		return len(list) == 1 && list[0].Key == "u2"
	})
	srvB1.Close()

	srvB2 := startServer(t, ctx, cfg, "B", hub.Node("B"), nil)
	_, err = srvB2.Track(ctx, "pidB2", "room", "u3", nil)
	require.NoError(t, err)

	waitFor(t, cfg.BroadcastPeriod*16, func() bool {
		list, _ := srvA.List(ctx, "room")
		return len(list) == 1 && list[0].Key == "u3"
	})
}

// S5 — Partition and recovery.
type partitionable struct {
	inner *transport.Local
	up    *atomic.Bool
}

func (p *partitionable) NodeName() string { return p.inner.NodeName() }
func (p *partitionable) Close() error     { return p.inner.Close() }

func (p *partitionable) Subscribe(ctx context.Context, channel string, h transport.Handler) (func(), error) {
	return p.inner.Subscribe(ctx, channel, func(m transport.Message) {
		if p.up.Load() {
			h(m)
		}
	})
}

func (p *partitionable) BroadcastFrom(ctx context.Context, channel string, data []byte) error {
	if !p.up.Load() {
		return nil
	}
	return p.inner.BroadcastFrom(ctx, channel, data)
}

func (p *partitionable) DirectBroadcast(ctx context.Context, channel, to string, data []byte) error {
	if !p.up.Load() {
		return nil
	}
	return p.inner.DirectBroadcast(ctx, channel, to, data)
}

func TestS5PartitionAndRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	hub := transport.NewHub()
	var up atomic.Bool
	up.Store(true)

	trA := &partitionable{inner: hub.Node("A"), up: &up}
	trB := &partitionable{inner: hub.Node("B"), up: &up}

	srvA := startServer(t, ctx, cfg, "A", trA, nil)
	srvB := startServer(t, ctx, cfg, "B", trB, nil)

	_, err := srvA.Track(ctx, "pidA", "room", "u1", nil)
	require.NoError(t, err)
	_, err = srvB.Track(ctx, "pidB", "room", "u2", nil)
	require.NoError(t, err)

	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		la, _ := srvA.List(ctx, "room")
		lb, _ := srvB.List(ctx, "room")
		return len(la) == 2 && len(lb) == 2
	})

	up.Store(false)
	waitFor(t, cfg.PermdownPeriod, func() bool {
		la, _ := srvA.List(ctx, "room")
		lb, _ := srvB.List(ctx, "room")
		return len(la) == 1 && len(lb) == 1
	})

	up.Store(true)
	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		la, _ := srvA.List(ctx, "room")
		lb, _ := srvB.List(ctx, "room")
		return len(la) == 2 && len(lb) == 2
	})
}

// S6 — Transfer on divergence.
func TestS6TransferOnDivergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	hub := transport.NewHub()

	srvA := startServer(t, ctx, cfg, "A", hub.Node("A"), nil)
	srvC := startServer(t, ctx, cfg, "C", hub.Node("C"), nil)

	_, err := srvA.Track(ctx, "pidA", "room", "u1", nil)
	require.NoError(t, err)
	_, err = srvC.Track(ctx, "pidC", "room", "u2", nil)
	require.NoError(t, err)

	waitFor(t, cfg.BroadcastPeriod*8, func() bool {
		la, _ := srvA.List(ctx, "room")
		lc, _ := srvC.List(ctx, "room")
		return len(la) == 2 && len(lc) == 2
	})

	// B joins late: by now A and C's original deltas have already been
	// broadcast and reset, so B can only learn about u1/u2 via a
	// transfer, not via an ordinary heartbeat delta.
	recB := &recorder{}
	srvB := startServer(t, ctx, cfg, "B", hub.Node("B"), recB)

	waitFor(t, cfg.BroadcastPeriod*time.Duration(cfg.ClockSamplePeriods+4), func() bool {
		lb, _ := srvB.List(ctx, "room")
		return len(lb) == 2
	})

	sawTransferJoin := false
	for _, d := range recB.snapshot() {
		if len(d["room"].Joins) > 0 {
			sawTransferJoin = true
		}
	}
	require.True(t, sawTransferJoin, "expected B's handler to observe join diffs from the transfer")
}

// Handler contract: a failing handler is fatal to the server.
func TestHandlerFailureClosesServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	boom := HandlerFunc(func(Diff) error { return errBoom })
	srv := startServer(t, ctx, testConfig(), "A", hub.Node("A"), boom)

	_, err := srv.Track(ctx, "pidA", "room", "u1", nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		_, err := srv.List(context.Background(), "room")
		return err != nil
	})
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
