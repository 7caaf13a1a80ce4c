package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutHeartbeatCreatesRecord(t *testing.T) {
	r := New()
	now := time.Now()

	_, hadPrev, current := r.PutHeartbeat(Ref{Name: "b", Vsn: 1}, now)
	require.False(t, hadPrev, "expected no prior record for a fresh name")
	require.Equal(t, Up, current.Status, "new record should start Up")

	rec, ok := r.Get("b")
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.Ref.Vsn)
}

func TestPutHeartbeatRevivesDown(t *testing.T) {
	r := New()
	t0 := time.Now()
	r.PutHeartbeat(Ref{Name: "b", Vsn: 1}, t0)

	prev, current, ok := r.DetectDown("b", t0.Add(time.Hour), time.Minute, 20*time.Hour)
	require.True(t, ok)
	require.Equal(t, Up, prev.Status)
	require.Equal(t, Down, current.Status)

	prevHB, hadPrev, curHB := r.PutHeartbeat(Ref{Name: "b", Vsn: 1}, t0.Add(2*time.Hour))
	require.True(t, hadPrev)
	require.Equal(t, Down, prevHB.Status)
	require.Equal(t, Up, curHB.Status)
}

func TestDetectDownTerminalAtPermdown(t *testing.T) {
	r := New()
	t0 := time.Now()
	r.PutHeartbeat(Ref{Name: "b", Vsn: 1}, t0)

	_, cur, _ := r.DetectDown("b", t0.Add(time.Minute), 10*time.Second, time.Hour)
	require.Equal(t, Down, cur.Status)

	_, cur, _ = r.DetectDown("b", t0.Add(2*time.Hour), 10*time.Second, time.Hour)
	require.Equal(t, PermDown, cur.Status)

	// permdown is terminal: further silence changes nothing.
	prev, cur, _ := r.DetectDown("b", t0.Add(48*time.Hour), 10*time.Second, time.Hour)
	require.Equal(t, PermDown, prev.Status)
	require.Equal(t, PermDown, cur.Status)
}

func TestDetectDownUnknownName(t *testing.T) {
	r := New()
	_, _, ok := r.DetectDown("ghost", time.Now(), time.Second, time.Second)
	require.False(t, ok, "expected ok=false for an unknown replica")
}

func TestEvict(t *testing.T) {
	r := New()
	r.PutHeartbeat(Ref{Name: "b", Vsn: 1}, time.Now())
	r.Evict("b")
	_, ok := r.Get("b")
	require.False(t, ok, "expected record to be gone after Evict")
}

func TestVsnChangeIsVisibleToCaller(t *testing.T) {
	r := New()
	t0 := time.Now()
	r.PutHeartbeat(Ref{Name: "b", Vsn: 1}, t0)

	prev, hadPrev, current := r.PutHeartbeat(Ref{Name: "b", Vsn: 2}, t0.Add(time.Second))
	require.True(t, hadPrev)
	require.Equal(t, uint64(1), prev.Ref.Vsn)
	require.Equal(t, uint64(2), current.Ref.Vsn)
}
