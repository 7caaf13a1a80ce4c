// Package presencecrdt implements an observed-remove set keyed by
// (origin, pid, topic, key), replicated by exchanging deltas or full snapshots
// between replicas.
//
// Each element carries exactly one live add-tag at a time rather than an
// unbounded add-tag-set: a presence is replaced wholesale on update,
// never multiply-added. Removal deletes the tagged entry outright rather
// than accumulating a tombstone set, since tags already carry the causal
// information a tombstone would.
package presencecrdt

import (
	"encoding/json"

	"github.com/ruvnet/presence/internal/registry"
)

// EncodeDelta serializes a Delta for transport: deltas and snapshots are
// opaque []byte to the pub/sub transport.
func EncodeDelta(d Delta) ([]byte, error) { return json.Marshal(d) }

// DecodeDelta is the inverse of EncodeDelta.
func DecodeDelta(b []byte) (Delta, error) {
	var d Delta
	err := json.Unmarshal(b, &d)
	return d, err
}

// Tag is the causal stamp attached to every inserted entry: the replica
// that created it and that replica's local insert counter at the time.
// Two entries from the same origin can be ordered by Counter; entries
// from different origins are incomparable and never conflict, since each
// origin only ever writes entries it created itself.
type Tag struct {
	Origin  registry.Ref
	Counter uint64
}

// ID names one presence entry cluster-wide: the replica it was created
// on, the local pid that created it (opaque, meaningful only on the
// originating replica), the topic, and the key.
type ID struct {
	Origin string
	Pid    string
	Topic  string
	Key    string
}

// Entry is one live presence as returned by read operations.
type Entry struct {
	ID   ID
	Tag  Tag
	Meta map[string]any
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type cell struct {
	tag    Tag
	meta   map[string]any
	hidden bool
}

// ReplicaClock is what Clocks reports for one known origin: the last vsn
// seen for it plus the vector clock the local replica has accumulated for
// its events.
type ReplicaClock struct {
	Vsn   uint64
	Clock map[string]uint64
}

func cloneReplicaClock(c ReplicaClock) ReplicaClock {
	out := ReplicaClock{Vsn: c.Vsn, Clock: make(map[string]uint64, len(c.Clock))}
	for k, v := range c.Clock {
		out.Clock[k] = v
	}
	return out
}

// opJoin is one insert-or-replace recorded in a Delta.
type opJoin struct {
	ID  ID
	Tag Tag
	// Meta is a copy of the entry's meta; Join stores an empty map when
	// given nil, so it is never nil when produced locally.
	Meta map[string]any
}

// Delta is the unit of replication: either a sparse set of changes since
// the last reset (as produced by ExtractDelta, carried in a heartbeat) or
// a full snapshot of everything a replica currently holds (as produced by
// Extract/Snapshot, carried in a transfer_ack). Full distinguishes the
// two: when Full is set, Origins lists every origin the snapshot speaks
// for, and merging it also removes any locally held entry for one of
// those origins that the snapshot does not mention.
type Delta struct {
	Joins   []opJoin
	Leaves  []ID
	Clocks  map[string]ReplicaClock
	Full    bool
	Origins []string
}

func (d Delta) clone() Delta {
	out := Delta{
		Joins:   make([]opJoin, len(d.Joins)),
		Leaves:  append([]ID(nil), d.Leaves...),
		Clocks:  make(map[string]ReplicaClock, len(d.Clocks)),
		Full:    d.Full,
		Origins: append([]string(nil), d.Origins...),
	}
	for i, j := range d.Joins {
		out.Joins[i] = opJoin{ID: j.ID, Tag: j.Tag, Meta: cloneMeta(j.Meta)}
	}
	for k, v := range d.Clocks {
		out.Clocks[k] = cloneReplicaClock(v)
	}
	return out
}

// Diff is the visible effect of a Join, Leave, Merge, ReplicaUp, or
// ReplicaDown call: entries that became visible (Joined) and entries that
// stopped being visible (Left). The tracker groups these by topic before
// handing them to a Handler; phx_ref bookkeeping is already in each
// entry's Meta, set by the tracker before it calls Join.
type Diff struct {
	Joined []Entry
	Left   []Entry
}

func (d *Diff) addJoin(e Entry) { d.Joined = append(d.Joined, e) }
func (d *Diff) addLeave(e Entry) { d.Left = append(d.Left, e) }

// State is one replica's view of the cluster-wide presence set. It is not
// safe for concurrent use: the tracker server is the sole owner and calls
// into it only from its single actor goroutine.
type State struct {
	self    registry.Ref
	counter uint64

	entries map[ID]cell
	hidden  map[string]bool // origin name -> true while that origin is Down

	pending Delta
	clocks  map[string]ReplicaClock
}

// New returns an empty state owned by self.
func New(self registry.Ref) *State {
	s := &State{
		self:    self,
		entries: make(map[ID]cell),
		hidden:  make(map[string]bool),
		clocks:  make(map[string]ReplicaClock),
	}
	s.clocks[self.Name] = ReplicaClock{Vsn: self.Vsn, Clock: map[string]uint64{self.Name: 0}}
	s.resetPending()
	return s
}

func (s *State) resetPending() {
	s.pending = Delta{Clocks: make(map[string]ReplicaClock)}
}

func (s *State) bumpSelfClock() {
	rc := s.clocks[s.self.Name]
	if rc.Clock == nil {
		rc.Clock = make(map[string]uint64)
	}
	rc.Vsn = s.self.Vsn
	rc.Clock[s.self.Name]++
	s.clocks[s.self.Name] = rc
	s.pending.Clocks[s.self.Name] = cloneReplicaClock(rc)
}

// Join inserts or replaces the local entry (pid, topic, key), tagging it
// with a fresh (self, counter) pair, and records it in the pending delta.
// Update is Join applied to an existing (pid, topic, key): the caller is
// responsible for merging meta (e.g. carrying phx_ref_prev) before
// calling.
func (s *State) Join(pid, topic, key string, meta map[string]any) Entry {
	s.counter++
	id := ID{Origin: s.self.Name, Pid: pid, Topic: topic, Key: key}
	tag := Tag{Origin: s.self, Counter: s.counter}
	m := cloneMeta(meta)
	s.entries[id] = cell{tag: tag, meta: m}
	s.bumpSelfClock()
	s.pending.Joins = append(s.pending.Joins, opJoin{ID: id, Tag: tag, Meta: cloneMeta(m)})
	return Entry{ID: id, Tag: tag, Meta: cloneMeta(m)}
}

// Leave removes the local entry (pid, topic, key), if present, and
// records the removal in the pending delta. ok is false if there was
// nothing to remove.
func (s *State) Leave(pid, topic, key string) (removed Entry, ok bool) {
	id := ID{Origin: s.self.Name, Pid: pid, Topic: topic, Key: key}
	c, exists := s.entries[id]
	if !exists {
		return Entry{}, false
	}
	delete(s.entries, id)
	s.bumpSelfClock()
	s.pending.Leaves = append(s.pending.Leaves, id)
	return Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)}, true
}

// LeaveAll removes every local entry owned by pid, across all topics and
// keys. Used by untrack(pid) and by session-death cleanup.
func (s *State) LeaveAll(pid string) []Entry {
	var removed []Entry
	for id, c := range s.entries {
		if id.Origin == s.self.Name && id.Pid == pid {
			delete(s.entries, id)
			s.pending.Leaves = append(s.pending.Leaves, id)
			removed = append(removed, Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
		}
	}
	if len(removed) > 0 {
		s.bumpSelfClock()
	}
	return removed
}

// tagWins reports whether tag a should replace tag b when both claim the
// same ID concurrently. Higher counter wins; ties (which should not
// happen for distinct origins writing distinct IDs) are broken by origin
// name so the choice is at least deterministic across replicas.
func tagWins(a, b Tag) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Origin.Name > b.Origin.Name
}

func (s *State) applyJoin(j opJoin, diff *Diff) {
	hidden := s.hidden[j.ID.Origin]
	existing, had := s.entries[j.ID]
	if had {
		if !tagWins(j.Tag, existing.tag) {
			return
		}
		if !existing.hidden {
			diff.addLeave(Entry{ID: j.ID, Tag: existing.tag, Meta: cloneMeta(existing.meta)})
		}
	}
	s.entries[j.ID] = cell{tag: j.Tag, meta: cloneMeta(j.Meta), hidden: hidden}
	if !hidden {
		diff.addJoin(Entry{ID: j.ID, Tag: j.Tag, Meta: cloneMeta(j.Meta)})
	}
}

func (s *State) applyLeave(id ID, diff *Diff) {
	c, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	if !c.hidden {
		diff.addLeave(Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
	}
}

func (s *State) mergeClocks(incoming map[string]ReplicaClock) {
	for name, rc := range incoming {
		cur := s.clocks[name]
		merged := ReplicaClock{Vsn: rc.Vsn, Clock: make(map[string]uint64)}
		for k, v := range cur.Clock {
			merged.Clock[k] = v
		}
		for k, v := range rc.Clock {
			if v > merged.Clock[k] {
				merged.Clock[k] = v
			}
		}
		s.clocks[name] = merged
	}
}

// Merge applies a Delta received from a peer (either a sparse heartbeat
// delta, or a full snapshot with Full set) and returns the visible
// effect. Local pending-delta bookkeeping is untouched: only entries this
// replica itself creates are re-broadcast, so merges from peers never
// feed back into what gets sent onward — gossip is full-mesh, so nothing
// a peer sends ever needs relaying further.
func (s *State) Merge(remote Delta) Diff {
	var diff Diff

	present := make(map[ID]bool, len(remote.Joins))
	for _, j := range remote.Joins {
		present[j.ID] = true
		s.applyJoin(j, &diff)
	}
	for _, id := range remote.Leaves {
		s.applyLeave(id, &diff)
	}
	if remote.Full {
		for _, origin := range remote.Origins {
			for id := range s.entries {
				if id.Origin == origin && !present[id] {
					s.applyLeave(id, &diff)
				}
			}
		}
	}
	s.mergeClocks(remote.Clocks)
	return diff
}

// ExtractDelta returns a copy of the changes accumulated since the last
// ResetDelta, without clearing them.
func (s *State) ExtractDelta() Delta {
	return s.pending.clone()
}

// HasDelta reports whether any join or leave is pending.
func (s *State) HasDelta() bool {
	return len(s.pending.Joins) > 0 || len(s.pending.Leaves) > 0
}

// ResetDelta clears the pending delta.
func (s *State) ResetDelta() {
	s.resetPending()
}

// Snapshot returns a full Delta describing everything this replica
// currently holds (visible and hidden), suitable for a transfer_ack
// payload. It does not touch the pending delta.
func (s *State) Snapshot() Delta {
	origins := make(map[string]bool)
	d := Delta{Full: true, Clocks: make(map[string]ReplicaClock, len(s.clocks))}
	for id, c := range s.entries {
		d.Joins = append(d.Joins, opJoin{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
		origins[id.Origin] = true
	}
	for origin := range s.hidden {
		origins[origin] = true
	}
	for origin := range origins {
		d.Origins = append(d.Origins, origin)
	}
	for name, rc := range s.clocks {
		d.Clocks[name] = cloneReplicaClock(rc)
	}
	return d
}

// Extract returns a full snapshot (as Snapshot) and, as a side effect on
// the receiver, resets the pending delta.
func (s *State) Extract() Delta {
	snap := s.Snapshot()
	s.ResetDelta()
	return snap
}

// Clocks reports, per known origin, the last vsn seen and the vector
// clock this replica has accumulated for it.
func (s *State) Clocks() map[string]ReplicaClock {
	out := make(map[string]ReplicaClock, len(s.clocks))
	for k, v := range s.clocks {
		out[k] = cloneReplicaClock(v)
	}
	return out
}

// ReplicaUp marks origin as visible again: any entries retained from it
// while it was Down become visible, and are returned as a join diff.
func (s *State) ReplicaUp(origin string) []Entry {
	if !s.hidden[origin] {
		return nil
	}
	delete(s.hidden, origin)
	var joined []Entry
	for id, c := range s.entries {
		if id.Origin != origin {
			continue
		}
		c.hidden = false
		s.entries[id] = c
		joined = append(joined, Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
	}
	return joined
}

// ReplicaDown marks origin's entries hidden without deleting them:
// presences survive a soft down, reappearing on ReplicaUp. Returns the
// entries that stopped being visible.
func (s *State) ReplicaDown(origin string) []Entry {
	s.hidden[origin] = true
	var left []Entry
	for id, c := range s.entries {
		if id.Origin != origin || c.hidden {
			continue
		}
		c.hidden = true
		s.entries[id] = c
		left = append(left, Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
	}
	return left
}

// RemoveDownReplicas permanently purges every entry owned by origin and
// forgets its clock. Called once a replica reaches permdown; its prior
// ReplicaDown call already reported the visible leave, so this returns
// nothing.
func (s *State) RemoveDownReplicas(origin string) {
	for id := range s.entries {
		if id.Origin == origin {
			delete(s.entries, id)
		}
	}
	delete(s.hidden, origin)
	delete(s.clocks, origin)
}

// GetByTopic returns every visible entry for topic.
func (s *State) GetByTopic(topic string) []Entry {
	var out []Entry
	for id, c := range s.entries {
		if id.Topic == topic && !c.hidden {
			out = append(out, Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
		}
	}
	return out
}

// GetByPid returns every visible entry created by the local pid, across
// topics.
func (s *State) GetByPid(pid string) []Entry {
	var out []Entry
	for id, c := range s.entries {
		if id.Origin == s.self.Name && id.Pid == pid && !c.hidden {
			out = append(out, Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)})
		}
	}
	return out
}

// GetByPidTopicKey returns the single visible entry for the local
// (pid, topic, key), if any.
func (s *State) GetByPidTopicKey(pid, topic, key string) (Entry, bool) {
	id := ID{Origin: s.self.Name, Pid: pid, Topic: topic, Key: key}
	c, ok := s.entries[id]
	if !ok || c.hidden {
		return Entry{}, false
	}
	return Entry{ID: id, Tag: c.tag, Meta: cloneMeta(c.meta)}, true
}
