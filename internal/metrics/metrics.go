// Package metrics implements tracker.Metrics against
// prometheus/client_golang: promauto-registered counters, one struct
// field per series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements tracker.Metrics.
type Recorder struct {
	heartbeatsSent     prometheus.Counter
	heartbeatsReceived prometheus.Counter
	replicaTransitions *prometheus.CounterVec
	transfersRequested prometheus.Counter
	transfersCompleted prometheus.Counter
}

// New registers every series on reg and returns a Recorder. Pass
// prometheus.NewRegistry() for an isolated registry (e.g. in tests), or
// nil to create the series without registering them anywhere.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_heartbeats_sent_total",
			Help: "Total number of heartbeat messages broadcast by this replica.",
		}),
		heartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_heartbeats_received_total",
			Help: "Total number of heartbeat messages received from peers.",
		}),
		replicaTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_replica_transitions_total",
			Help: "Replica liveness transitions, labeled by (from, to) status.",
		}, []string{"from", "to"}),
		transfersRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_transfers_requested_total",
			Help: "Total number of transfer_request messages sent.",
		}),
		transfersCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_transfers_completed_total",
			Help: "Total number of transfer_ack messages merged.",
		}),
	}
}

func (r *Recorder) HeartbeatSent()     { r.heartbeatsSent.Inc() }
func (r *Recorder) HeartbeatReceived() { r.heartbeatsReceived.Inc() }

func (r *Recorder) ReplicaTransition(from, to string) {
	r.replicaTransitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) TransferRequested() { r.transfersRequested.Inc() }
func (r *Recorder) TransferCompleted() { r.transfersCompleted.Inc() }
