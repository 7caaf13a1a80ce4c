package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeIsPointwiseMax(t *testing.T) {
	a := Clock{"n1": 3, "n2": 1}
	b := Clock{"n1": 2, "n3": 5}

	got := Merge(a, b)
	want := Clock{"n1": 3, "n2": 1, "n3": 5}
	require.True(t, Equal(got, want), "Merge(%v, %v) = %v, want %v", a, b, got, want)

	// inputs untouched
	require.Zero(t, a["n3"])
	require.Zero(t, b["n2"])
}

func TestDominates(t *testing.T) {
	ahead := Clock{"n1": 5, "n2": 2}
	behind := Clock{"n1": 3, "n2": 2}

	require.True(t, Dominates(ahead, behind))
	require.False(t, Dominates(behind, ahead))
}

func TestConcurrent(t *testing.T) {
	a := Clock{"n1": 2, "n2": 0}
	b := Clock{"n1": 0, "n2": 2}

	require.True(t, Concurrent(a, b))
	require.False(t, Dominates(a, b))
	require.False(t, Dominates(b, a))
}

func TestDominatesIsReflexive(t *testing.T) {
	a := Clock{"n1": 4}
	require.True(t, Dominates(a, a))
}

func TestMergeIdempotent(t *testing.T) {
	a := Clock{"n1": 1, "n2": 2}
	once := Merge(a, a)
	twice := Merge(once, a)
	require.True(t, Equal(once, twice), "Merge not idempotent: once=%v twice=%v", once, twice)
}
