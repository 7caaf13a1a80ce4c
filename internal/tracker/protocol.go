package tracker

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/presence/internal/clock"
	"github.com/ruvnet/presence/internal/presencecrdt"
	"github.com/ruvnet/presence/internal/registry"
	"github.com/ruvnet/presence/internal/transport"
)

// onTransportMessage decodes one inbound wire envelope and dispatches it.
// It always runs on the actor goroutine: the transport.Subscribe
// callback only ever enqueues this as a job, so suspension happens only
// at the message-loop boundary.
func (s *Server) onTransportMessage(m transport.Message) {
	env, err := decodeEnvelope(m.Data)
	if err != nil {
		s.logger.Debug("tracker: unparseable message, ignoring", zap.String("from", m.From), zap.Error(err))
		return
	}
	switch env.Type {
	case msgHeartbeat:
		if env.Heartbeat != nil {
			s.handleHeartbeat(*env.Heartbeat)
		}
	case msgTransferReq:
		if env.Transfer != nil {
			s.handleTransferRequest(*env.Transfer)
		}
	case msgTransferAck:
		if env.Ack != nil {
			s.handleTransferAck(*env.Ack)
		}
	default:
		// Unrecognized message type: ignored rather than rejected, so a
		// future protocol addition stays compatible with older peers.
		s.logger.Debug("tracker: unknown message type, ignoring", zap.String("type", env.Type))
	}
}

func (s *Server) handleHeartbeat(hb heartbeatMsg) {
	s.metrics.HeartbeatReceived()
	for name, rc := range hb.Clocks {
		s.mergePendingClock(name, rc)
	}
	if hb.Delta != nil {
		diff := s.crdt.Merge(*hb.Delta)
		s.deliver(groupDiff(diff))
	}
	prev, hadPrev, cur := s.reg.PutHeartbeat(registry.Ref{Name: hb.Name, Vsn: hb.Vsn}, time.Now())
	s.classifyHeartbeatTransition(prev, hadPrev, cur)
}

func (s *Server) handleTransferRequest(tr transferRequestMsg) {
	snapshot := s.crdt.Extract()
	ack := transferAckMsg{Ref: tr.Ref, Name: s.self.Name, Vsn: s.self.Vsn, Snapshot: snapshot}
	data, err := encodeTransferAck(ack)
	if err != nil {
		s.logger.Error("tracker: encode transfer_ack", zap.Error(err))
		return
	}
	if err := s.transport.DirectBroadcast(s.ctx, s.topic, tr.Name, data); err != nil {
		s.logger.Warn("tracker: transfer_ack send failed", zap.String("to", tr.Name), zap.Error(err))
	}
}

func (s *Server) handleTransferAck(ack transferAckMsg) {
	diff := s.crdt.Merge(ack.Snapshot)
	s.deliver(groupDiff(diff))
	s.metrics.TransferCompleted()
}

// classifyHeartbeatTransition applies the replica liveness state machine
// to one received heartbeat: new replica, same-vsn resurrection, or a
// new vsn under the same name (which retires the old identity first).
func (s *Server) classifyHeartbeatTransition(prev registry.Record, hadPrev bool, cur registry.Record) {
	if !hadPrev {
		s.crdtReplicaUp(cur.Ref)
		s.metrics.ReplicaTransition("none", "up")
		return
	}
	if prev.Ref.Vsn == cur.Ref.Vsn {
		if prev.Status != registry.Up {
			s.crdtReplicaUp(cur.Ref)
			s.metrics.ReplicaTransition(prev.Status.String(), "up")
		}
		return
	}
	// A new vsn under the same name: the old identity is retired
	// (down -> permdown if it hadn't already been flagged down), the new
	// identity comes up.
	if prev.Status == registry.Up {
		s.crdtReplicaDown(prev.Ref)
	}
	s.crdtPermDown(prev.Ref)
	s.crdtReplicaUp(cur.Ref)
	s.metrics.ReplicaTransition(prev.Status.String(), "up(new-vsn)")
}

// applyLivenessTransition applies the up->down and down->permdown
// transitions driven by elapsed-silence detection, run once per
// heartbeat tick's liveness phase.
func (s *Server) applyLivenessTransition(prev, cur registry.Record) {
	if prev.Status == cur.Status {
		return
	}
	switch {
	case prev.Status == registry.Up && cur.Status == registry.Down:
		s.crdtReplicaDown(cur.Ref)
		s.metrics.ReplicaTransition("up", "down")
	case prev.Status == registry.Down && cur.Status == registry.PermDown:
		s.crdtPermDown(cur.Ref)
		s.reg.Evict(cur.Ref.Name)
		s.metrics.ReplicaTransition("down", "permdown")
	}
}

func (s *Server) crdtReplicaUp(ref registry.Ref) {
	joined := s.crdt.ReplicaUp(ref.Name)
	if len(joined) == 0 {
		return
	}
	s.deliver(groupDiff(presencecrdt.Diff{Joined: joined}))
}

func (s *Server) crdtReplicaDown(ref registry.Ref) {
	left := s.crdt.ReplicaDown(ref.Name)
	if len(left) == 0 {
		return
	}
	s.deliver(groupDiff(presencecrdt.Diff{Left: left}))
}

// crdtPermDown purges ref's entries from the CRDT. No diff is reported:
// by the time a replica reaches permdown its entries were already
// reported as leaves when it went down, except for the up -> permdown
// compound transition, which issues crdtReplicaDown first.
func (s *Server) crdtPermDown(ref registry.Ref) {
	s.crdt.RemoveDownReplicas(ref.Name)
}

// heartbeatTick runs the three phases of one broadcast-period tick:
// broadcast pending changes, sample clocks for transfer requests, then
// check registered replicas for liveness transitions.
func (s *Server) heartbeatTick() {
	s.broadcastPhase()
	s.syncPhase()
	s.livenessPhase()
}

func (s *Server) broadcastPhase() {
	var delta *presencecrdt.Delta
	switch {
	case s.crdt.HasDelta():
		d := s.crdt.ExtractDelta()
		s.crdt.ResetDelta()
		delta = &d
		s.silentPeriods = 0
	case s.silentPeriods >= s.cfg.MaxSilentPeriods:
		empty := presencecrdt.Delta{}
		delta = &empty
		s.silentPeriods = 0
	default:
		s.silentPeriods++
		return
	}

	msg := heartbeatMsg{Name: s.self.Name, Vsn: s.self.Vsn, Delta: delta, Clocks: s.crdt.Clocks()}
	data, err := encodeHeartbeat(msg)
	if err != nil {
		s.logger.Error("tracker: encode heartbeat", zap.Error(err))
		return
	}
	// A transport failure here is transient and logged, not fatal to the
	// server. The pending delta was already reset above, so the failed
	// broadcast's changes are not re-sent on the next tick.
	if err := s.transport.BroadcastFrom(s.ctx, s.topic, data); err != nil {
		s.logger.Warn("tracker: heartbeat broadcast failed", zap.Error(err))
		return
	}
	s.metrics.HeartbeatSent()
}

func (s *Server) syncPhase() {
	if s.sampleCount > 1 {
		s.sampleCount--
		return
	}

	for _, name := range s.clocksetToSync() {
		ref := newRef()
		msg := transferRequestMsg{Ref: ref, Name: s.self.Name, Vsn: s.self.Vsn, Clocks: s.crdt.Clocks()}
		data, err := encodeTransferRequest(msg)
		if err != nil {
			s.logger.Error("tracker: encode transfer_req", zap.Error(err))
			continue
		}
		if err := s.transport.DirectBroadcast(s.ctx, s.topic, name, data); err != nil {
			s.logger.Warn("tracker: transfer_req send failed", zap.String("to", name), zap.Error(err))
			continue
		}
		s.metrics.TransferRequested()
	}
	s.pendingClocks = make(map[string]pendingClockEntry)
	s.sampleCount = s.cfg.ClockSamplePeriods
}

func (s *Server) livenessPhase() {
	now := time.Now()
	for _, name := range s.reg.Names() {
		prev, cur, ok := s.reg.DetectDown(name, now, s.cfg.DownPeriod, s.cfg.PermdownPeriod)
		if !ok {
			continue
		}
		s.applyLivenessTransition(prev, cur)
	}
}

func (s *Server) mergePendingClock(name string, rc presencecrdt.ReplicaClock) {
	cur := s.pendingClocks[name]
	merged := clock.Merge(cur.Clock, rc.Clock)
	s.pendingClocks[name] = pendingClockEntry{Vsn: rc.Vsn, Clock: merged}
}

// clocksetToSync folds the local CRDT's own clocks into the pending set
// accumulated from recent heartbeats, then keeps only the entries not pointwise
// dominated by some other entry in the set (a dominated entry carries no
// information its dominator doesn't already have), filtered to replicas
// the registry currently knows about. The resulting names are exactly
// the peers worth requesting a transfer from this cycle.
func (s *Server) clocksetToSync() []string {
	for name, rc := range s.crdt.Clocks() {
		s.mergePendingClock(name, rc)
	}

	type candidate struct {
		name string
		c    clock.Clock
	}
	all := make([]candidate, 0, len(s.pendingClocks))
	for name, pc := range s.pendingClocks {
		all = append(all, candidate{name: name, c: pc.Clock})
	}

	known := make(map[string]bool, len(s.reg.Names()))
	for _, n := range s.reg.Names() {
		known[n] = true
	}

	var targets []string
	for i, cand := range all {
		if cand.name == s.self.Name || !known[cand.name] {
			continue
		}
		dominated := false
		for j, other := range all {
			if i == j {
				continue
			}
			if clock.LessOrEqual(cand.c, other.c) {
				dominated = true
				break
			}
		}
		if !dominated {
			targets = append(targets, cand.name)
		}
	}
	return targets
}
