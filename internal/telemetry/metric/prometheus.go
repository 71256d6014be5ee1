// Package metric provides Prometheus metrics for kvtree.
//
// It exposes metrics in Prometheus format for monitoring session counts,
// RPC rates and latencies, Raft state, and snapshot activity.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvtree"

// Registry holds all application metrics and the prometheus.Registerer they
// are registered against.
type Registry struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsExpired prometheus.Counter

	// RPC metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Raft metrics
	RaftLeader       prometheus.Gauge
	RaftTerm         prometheus.Gauge
	RaftAppliedIndex prometheus.Gauge
	RaftCommitIndex  prometheus.Gauge

	// Snapshot metrics
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
}

// NewRegistry creates a new metrics registry and registers every metric
// family with it, along with the standard Go/process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open client sessions.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total client sessions opened.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total client sessions closed voluntarily.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total client sessions reaped for inactivity.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total RPCs served, by method and outcome status.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "RPC handling latency in seconds, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RaftLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_is_leader",
			Help:      "1 if this node is the current Raft leader, 0 otherwise.",
		}),
		RaftTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_term",
			Help:      "Current Raft term observed by this node.",
		}),
		RaftAppliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_applied_index",
			Help:      "Last log index applied to the Tree state machine.",
		}),
		RaftCommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_commit_index",
			Help:      "Last log index committed by Raft.",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_duration_seconds",
			Help:      "Time taken to persist a Tree snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SnapshotSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size in bytes of the most recently persisted snapshot.",
		}),
	}

	reg.MustRegister(
		r.SessionsActive,
		r.SessionsOpened,
		r.SessionsClosed,
		r.SessionsExpired,
		r.RequestsTotal,
		r.RequestDuration,
		r.RaftLeader,
		r.RaftTerm,
		r.RaftAppliedIndex,
		r.RaftCommitIndex,
		r.SnapshotDuration,
		r.SnapshotSizeBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

var (
	globalOnce     sync.Once
	globalRegistry *Registry
)

// Global returns the process-wide default Registry, creating it on first
// use.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns an http.Handler serving this registry's metrics in
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Handler returns an http.Handler for the global Registry's /metrics
// endpoint.
func Handler() http.Handler {
	return Global().Handler()
}

// RegisterTreeCollector wires a TreeCollector sourcing live Tree operation
// counters from source into the registry.
func (r *Registry) RegisterTreeCollector(source TreeStatsSource) {
	r.registry.MustRegister(NewTreeCollector(source))
}

// IncSessionActive increments the active session gauge.
func (r *Registry) IncSessionActive() { r.SessionsActive.Inc() }

// DecSessionActive decrements the active session gauge.
func (r *Registry) DecSessionActive() { r.SessionsActive.Dec() }

// SetSessionActive sets the active session gauge to an absolute value,
// used after a snapshot restore replaces the session set wholesale.
func (r *Registry) SetSessionActive(n float64) { r.SessionsActive.Set(n) }

// IncSessionOpened records a newly opened client session.
func (r *Registry) IncSessionOpened() { r.SessionsOpened.Inc() }

// IncSessionClosed records a voluntarily closed client session.
func (r *Registry) IncSessionClosed() { r.SessionsClosed.Inc() }

// IncSessionExpired records a session reaped for inactivity.
func (r *Registry) IncSessionExpired() { r.SessionsExpired.Inc() }

// RecordRequest records one completed RPC by method and outcome status.
func (r *Registry) RecordRequest(method, status string) {
	r.RequestsTotal.WithLabelValues(method, status).Inc()
}

// ObserveRequestDuration records how long an RPC took to handle.
func (r *Registry) ObserveRequestDuration(method string, seconds float64) {
	r.RequestDuration.WithLabelValues(method).Observe(seconds)
}

// SetRaftLeader records whether this node currently believes itself leader.
func (r *Registry) SetRaftLeader(isLeader bool) {
	if isLeader {
		r.RaftLeader.Set(1)
		return
	}
	r.RaftLeader.Set(0)
}

// SetRaftTerm records the current Raft term.
func (r *Registry) SetRaftTerm(term uint64) { r.RaftTerm.Set(float64(term)) }

// SetRaftAppliedIndex records the last log index applied to the FSM.
func (r *Registry) SetRaftAppliedIndex(index uint64) { r.RaftAppliedIndex.Set(float64(index)) }

// SetRaftCommitIndex records the last log index committed by Raft.
func (r *Registry) SetRaftCommitIndex(index uint64) { r.RaftCommitIndex.Set(float64(index)) }

// ObserveSnapshotDuration records how long persisting a snapshot took.
func (r *Registry) ObserveSnapshotDuration(seconds float64) { r.SnapshotDuration.Observe(seconds) }

// SetSnapshotSizeBytes records the size of the most recently persisted
// snapshot.
func (r *Registry) SetSnapshotSizeBytes(bytes int64) { r.SnapshotSizeBytes.Set(float64(bytes)) }
