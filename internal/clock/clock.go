// Package clock implements the vector-clock comparisons the tracker server
// uses to decide which peers have observed events it has not (and so are
// worth requesting a transfer from): a map[name]uint64 merged with a
// pointwise max, the common vector-clock representation.
package clock

// Clock maps a replica name to its logical counter as observed by the
// reporting replica.
type Clock map[string]uint64

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns the pointwise maximum of c and other. Neither input is
// mutated.
func Merge(c, other Clock) Clock {
	out := make(Clock, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// LessOrEqual reports whether c is pointwise dominated by other: every
// entry in c has a value no greater than other's entry for the same name.
// An absent entry is treated as zero.
func LessOrEqual(c, other Clock) bool {
	for k, v := range c {
		if other[k] < v {
			return false
		}
	}
	return true
}

// Dominates reports whether c has observed at least everything other has
// observed (other is pointwise <= c). The tracker's transfer selection
// applies the same test by calling LessOrEqual directly.
func Dominates(c, other Clock) bool {
	return LessOrEqual(other, c)
}

// Concurrent reports whether neither clock dominates the other.
func Concurrent(a, b Clock) bool {
	return !Dominates(a, b) && !Dominates(b, a)
}

// Equal reports whether a and b carry the same entries and values.
func Equal(a, b Clock) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
