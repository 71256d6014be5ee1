// Package metric provides Prometheus metrics for kvtree.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: registry, request/session/raft metrics, and the HTTP handler
//   - collector.go: a custom prometheus.Collector sourcing live Tree operation counters
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
