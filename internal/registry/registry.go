// Package registry tracks every peer replica's identity, liveness status,
// and last-seen time.
//
// Membership bookkeeping is swept on a ticker, the way a two-phase
// alive/suspect/dead gossip scheme would, but generalized to a
// three-state up/down/permdown machine over (name, vsn) replica
// identities instead of bare node names.
package registry

import (
	"sync"
	"time"
)

// Status is a replica's liveness state.
type Status int

const (
	// Up means a heartbeat was received within down_period.
	Up Status = iota
	// Down means no heartbeat for longer than down_period but less than
	// permdown_period; the replica's presences are hidden but retained.
	Down
	// PermDown means no heartbeat for longer than permdown_period, or a
	// vsn change superseded the identity; the replica's presences are
	// purged everywhere.
	PermDown
)

func (s Status) String() string {
	switch s {
	case Up:
		return "up"
	case Down:
		return "down"
	case PermDown:
		return "permdown"
	default:
		return "unknown"
	}
}

// Ref identifies one replica incarnation: a stable node name plus the nonce
// it generated at start.
type Ref struct {
	Name string
	Vsn  uint64
}

// Record is the registry's view of one peer, keyed by name.
type Record struct {
	Ref             Ref
	Status          Status
	LastHeartbeatAt time.Time
}

// Registry is a name -> Record map, safe for concurrent use. It holds no
// opinions about what a status transition means; that classification is
// the tracker server's job, which is why PutHeartbeat and DetectDown
// both return the record's state before and after the call.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// PutHeartbeat upserts the record for ref.Name: last_heartbeat_at := now,
// status := Up. ok reports whether a prior record existed; when it does,
// prev is that record as it stood immediately before this call.
func (r *Registry) PutHeartbeat(ref Ref, now time.Time) (prev Record, ok bool, current Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok = r.records[ref.Name]
	current = Record{Ref: ref, Status: Up, LastHeartbeatAt: now}
	r.records[ref.Name] = current
	return prev, ok, current
}

// DetectDown computes the liveness transition for the named replica based
// on elapsed silence:
//
//	up   -> up      if now-last_heartbeat_at <= down_period
//	up   -> down    otherwise
//	down -> down    if now-last_heartbeat_at <= permdown_period
//	down -> permdown otherwise
//	permdown -> permdown (terminal)
//
// ok is false if name is not known to the registry.
func (r *Registry) DetectDown(name string, now time.Time, downPeriod, permdownPeriod time.Duration) (prev Record, current Record, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok = r.records[name]
	if !ok {
		return Record{}, Record{}, false
	}

	elapsed := now.Sub(prev.LastHeartbeatAt)
	next := prev.Status
	switch prev.Status {
	case Up:
		if elapsed > downPeriod {
			next = Down
		}
	case Down:
		if elapsed > permdownPeriod {
			next = PermDown
		}
	case PermDown:
		// terminal
	}

	current = prev
	current.Status = next
	r.records[name] = current
	return prev, current, true
}

// Get returns the current record for name, if known.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Names returns every known replica name, in no particular order. Used by
// the tracker's liveness sweep.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.records))
	for name := range r.records {
		out = append(out, name)
	}
	return out
}

// All returns a snapshot of every known record.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Evict removes name from the registry entirely. Used once a permdown
// transition has been fully processed and the tracker has no further use
// for the tombstone; a subsequent heartbeat from that name is treated as a
// brand-new replica.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
}
