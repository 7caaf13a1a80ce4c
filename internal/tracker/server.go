// Package tracker implements the per-namespace tracker server: a
// single-threaded actor that drives heartbeat cadence, applies local
// track/untrack/update/list calls, merges inbound heartbeats and
// transfers into its presence CRDT, and runs the replica liveness state
// machine.
//
// The actor is a ticker-driven goroutine with context.Context
// cancellation and a sync.WaitGroup-joined lifecycle, extended with a
// synchronous request/reply mailbox: launch the work on the actor
// goroutine, then select on its result channel against the caller's
// context, so Track/Untrack/Update/List block until the actor has
// applied them.
package tracker

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/presence/internal/clock"
	"github.com/ruvnet/presence/internal/perrors"
	"github.com/ruvnet/presence/internal/presencecrdt"
	"github.com/ruvnet/presence/internal/registry"
	"github.com/ruvnet/presence/internal/transport"
)

type pendingClockEntry struct {
	Vsn   uint64
	Clock clock.Clock
}

// Server is one tracker server for one namespace. It is safe to call its
// exported methods concurrently from multiple goroutines; internally,
// every call is serialized through a single actor goroutine.
type Server struct {
	cfg       Config
	self      registry.Ref
	topic     string
	transport transport.Transport
	handler   Handler
	logger    *zap.Logger
	metrics   Metrics

	crdt          *presencecrdt.State
	reg           *registry.Registry
	pendingClocks map[string]pendingClockEntry
	silentPeriods int
	sampleCount   int

	jobs      chan func()
	cancelSub func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed chan struct{}
}

// New validates cfg, mints this replica's vsn, and returns a Server not
// yet subscribed to its transport (call Start for that).
func New(cfg Config, selfName, serverName string, tr transport.Transport, handler Handler, logger *zap.Logger, metrics Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vsn, err := randVsn()
	if err != nil {
		return nil, fmt.Errorf("tracker: generate vsn: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	self := registry.Ref{Name: selfName, Vsn: vsn}
	return &Server{
		cfg:           cfg,
		self:          self,
		topic:         fmt.Sprintf("phx_presence:%s", serverName),
		transport:     tr,
		handler:       handler,
		logger:        logger,
		metrics:       metrics,
		crdt:          presencecrdt.New(self),
		reg:           registry.New(),
		pendingClocks: make(map[string]pendingClockEntry),
		sampleCount:   cfg.ClockSamplePeriods,
		jobs:          make(chan func(), 256),
		closed:        make(chan struct{}),
	}, nil
}

func randVsn() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// SelfRef reports this replica's (name, vsn) identity.
func (s *Server) SelfRef() registry.Ref { return s.self }

// Start subscribes to the namespaced transport topic and launches the
// actor goroutine. The first heartbeat fires after a stuttered delay
// uniformly chosen in [0, broadcast_period/4] to de-synchronize nodes
// that start at the same instant.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	cancelSub, err := s.transport.Subscribe(s.ctx, s.topic, func(m transport.Message) {
		select {
		case s.jobs <- func() { s.onTransportMessage(m) }:
		case <-s.ctx.Done():
		}
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("tracker: subscribe %q: %w", s.topic, err)
	}
	s.cancelSub = cancelSub

	s.wg.Add(1)
	go s.run()
	return nil
}

// Close stops the actor goroutine and releases the transport
// subscription. It is safe to call more than once.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) run() {
	defer s.wg.Done()
	defer func() {
		if s.cancelSub != nil {
			s.cancelSub()
		}
		close(s.closed)
	}()

	stutterMax := s.cfg.BroadcastPeriod / 4
	if stutterMax <= 0 {
		stutterMax = time.Millisecond
	}
	stutter := time.Duration(rand.Int64N(int64(stutterMax) + 1))
	timer := time.NewTimer(stutter)
	defer timer.Stop()

	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			job()
		case <-timer.C:
			ticker = time.NewTicker(s.cfg.BroadcastPeriod)
			tickC = ticker.C
			s.heartbeatTick()
		case <-tickC:
			s.heartbeatTick()
		}
	}
}

// enqueue hands job to the actor goroutine, failing if ctx is done or the
// server has closed first.
func (s *Server) enqueue(ctx context.Context, job func()) error {
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return perrors.ErrServerClosed
	}
}

func (s *Server) await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return perrors.ErrServerClosed
	}
}

// Watch arranges for pid's presences to be fully untracked once done
// fires, without the caller needing to call UntrackAll itself. The
// caller typically passes a connection's or request-scoped context's
// Done() channel.
func (s *Server) Watch(pid string, done <-chan struct{}) {
	go func() {
		select {
		case <-done:
		case <-s.ctx.Done():
			return
		}
		select {
		case s.jobs <- func() { s.doUntrackAll(pid) }:
		case <-s.ctx.Done():
		}
	}()
}

// Track inserts a presence for (pid, topic, key), generates its phx_ref,
// and reports a join diff to the handler. It blocks until the actor has
// applied the change.
func (s *Server) Track(ctx context.Context, pid, topic, key string, meta map[string]any) (string, error) {
	out := make(chan string, 1)
	if err := s.enqueue(ctx, func() { out <- s.doTrack(pid, topic, key, meta) }); err != nil {
		return "", err
	}
	select {
	case ref := <-out:
		return ref, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.closed:
		return "", perrors.ErrServerClosed
	}
}

func (s *Server) doTrack(pid, topic, key string, meta map[string]any) string {
	ref := newRef()
	entry := s.crdt.Join(pid, topic, key, withRef(meta, ref, ""))
	s.deliver(Diff{topic: TopicDiff{Joins: []KeyMeta{{Key: key, Meta: entry.Meta}}}})
	return ref
}

// Untrack removes the presence for (pid, topic, key), if any, and
// reports a leave diff.
func (s *Server) Untrack(ctx context.Context, pid, topic, key string) error {
	done := make(chan struct{})
	if err := s.enqueue(ctx, func() { s.doUntrack(pid, topic, key); close(done) }); err != nil {
		return err
	}
	return s.await(ctx, done)
}

func (s *Server) doUntrack(pid, topic, key string) {
	removed, ok := s.crdt.Leave(pid, topic, key)
	if !ok {
		return
	}
	s.deliver(Diff{topic: TopicDiff{Leaves: []KeyMeta{{Key: key, Meta: removed.Meta}}}})
}

// UntrackAll removes every presence pid holds, across all topics, and
// reports a leave diff per topic.
func (s *Server) UntrackAll(ctx context.Context, pid string) error {
	done := make(chan struct{})
	if err := s.enqueue(ctx, func() { s.doUntrackAll(pid); close(done) }); err != nil {
		return err
	}
	return s.await(ctx, done)
}

func (s *Server) doUntrackAll(pid string) {
	removed := s.crdt.LeaveAll(pid)
	if len(removed) == 0 {
		return
	}
	diff := make(Diff)
	for _, e := range removed {
		td := diff[e.ID.Topic]
		td.Leaves = append(td.Leaves, KeyMeta{Key: e.ID.Key, Meta: e.Meta})
		diff[e.ID.Topic] = td
	}
	s.deliver(diff)
}

// Update replaces (pid, topic, key)'s meta, assigning a fresh phx_ref and
// carrying the old one as phx_ref_prev. It reports a single diff whose
// joins contain the new entry and whose leaves contain the old one on
// the same topic. Returns perrors.ErrNoPresence if the target does not
// currently exist.
func (s *Server) Update(ctx context.Context, pid, topic, key string, meta map[string]any) (string, error) {
	type result struct {
		ref string
		err error
	}
	out := make(chan result, 1)
	if err := s.enqueue(ctx, func() {
		ref, err := s.doUpdate(pid, topic, key, meta)
		out <- result{ref, err}
	}); err != nil {
		return "", err
	}
	select {
	case r := <-out:
		return r.ref, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.closed:
		return "", perrors.ErrServerClosed
	}
}

func (s *Server) doUpdate(pid, topic, key string, meta map[string]any) (string, error) {
	old, ok := s.crdt.GetByPidTopicKey(pid, topic, key)
	if !ok {
		return "", perrors.ErrNoPresence
	}
	oldRef, _ := old.Meta["phx_ref"].(string)

	ref := newRef()
	entry := s.crdt.Join(pid, topic, key, withRef(meta, ref, oldRef))

	s.deliver(Diff{topic: TopicDiff{
		Joins:  []KeyMeta{{Key: key, Meta: entry.Meta}},
		Leaves: []KeyMeta{{Key: key, Meta: old.Meta}},
	}})
	return ref, nil
}

// List returns a read-only snapshot of every visible presence on topic.
func (s *Server) List(ctx context.Context, topic string) ([]KeyMeta, error) {
	out := make(chan []KeyMeta, 1)
	if err := s.enqueue(ctx, func() {
		entries := s.crdt.GetByTopic(topic)
		kms := make([]KeyMeta, len(entries))
		for i, e := range entries {
			kms[i] = KeyMeta{Key: e.ID.Key, Meta: e.Meta}
		}
		out <- kms
	}); err != nil {
		return nil, err
	}
	select {
	case kms := <-out:
		return kms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, perrors.ErrServerClosed
	}
}

// Replicas returns a snapshot of every known peer's registry record.
func (s *Server) Replicas(ctx context.Context) ([]registry.Record, error) {
	out := make(chan []registry.Record, 1)
	if err := s.enqueue(ctx, func() { out <- s.reg.All() }); err != nil {
		return nil, err
	}
	select {
	case recs := <-out:
		return recs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, perrors.ErrServerClosed
	}
}

// Subscribe is a thin, test-only delegation straight to the transport: it
// touches no actor state, so it bypasses the mailbox. The returned cancel
// func unsubscribes.
func (s *Server) Subscribe(ctx context.Context, topic string, h transport.Handler) (func(), error) {
	return s.transport.Subscribe(ctx, topic, h)
}

// deliver groups a Diff's content to the handler, suppressing empty
// diffs, and treats a handler failure as fatal.
func (s *Server) deliver(diff Diff) {
	for topic, td := range diff {
		if td.empty() {
			delete(diff, topic)
		}
	}
	if len(diff) == 0 {
		return
	}
	if err := s.safeHandle(diff); err != nil {
		s.logger.Error("tracker: handler contract violation, closing server",
			zap.Error(err), zap.String("topic_count", fmt.Sprint(len(diff))))
		s.cancel()
	}
}

func (s *Server) safeHandle(diff Diff) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tracker: handler panicked: %v", r)
		}
	}()
	if s.handler == nil {
		return nil
	}
	return s.handler.HandleDiff(diff)
}
