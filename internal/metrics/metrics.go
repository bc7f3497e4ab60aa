// Package metrics provides Prometheus metrics collection for the NebulaFS
// connection layer.
//
// The package exposes metrics at /metrics (default port 9101) for monitoring:
//
// Connection Metrics:
//   - nebulafs_connections_active: Currently established connections
//   - nebulafs_connections_total: Connections established, by role
//   - nebulafs_connection_failures_total: Failed establishments, by reason
//   - nebulafs_connect_duration_seconds: Establishment latency histogram
//
// Event Metrics:
//   - nebulafs_cm_events_total: CM events processed, by type
//   - nebulafs_resolve_retries_total: Address/route resolution retries
//   - nebulafs_protocol_violations_total: Events illegal for record state
//
// Use with Prometheus and Grafana for comprehensive monitoring dashboards.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks currently established connections
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulafs_connections_active",
			Help: "Currently established RDMA connections",
		},
	)

	// ConnectionsTotal counts connections that reached established, by role
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafs_connections_total",
			Help: "Total RDMA connections established",
		},
		[]string{"role"},
	)

	// ConnectionFailures counts failed establishments by reason
	ConnectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafs_connection_failures_total",
			Help: "Total RDMA connection failures",
		},
		[]string{"reason"},
	)

	// ConnectDuration tracks connection establishment latency in seconds
	ConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebulafs_connect_duration_seconds",
			Help:    "RDMA connection establishment latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CMEventsTotal counts connection-management events by type
	CMEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafs_cm_events_total",
			Help: "Total CM events processed",
		},
		[]string{"type"},
	)

	// ResolveRetriesTotal counts address/route resolution retries
	ResolveRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulafs_resolve_retries_total",
			Help: "Total address/route resolution retries",
		},
	)

	// ProtocolViolationsTotal counts events illegal for the record state
	ProtocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulafs_protocol_violations_total",
			Help: "Total CM events that were illegal for the connection state",
		},
	)

	// MemoryPoolUsedBytes tracks registered memory checked out of the pool
	MemoryPoolUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulafs_memory_pool_used_bytes",
			Help: "Registered memory currently checked out of the pool",
		},
	)
)
