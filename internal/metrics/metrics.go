package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "shardmigrate"
)

var (
	// SessionsTotal counts finished migration sessions
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of migration sessions by outcome",
		},
		[]string{"outcome"}, // complete/aborted
	)

	// SessionsActive tracks open migration sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open migration sessions",
		},
	)

	// TaskTransitions counts shard-copy task state changes
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Shard-copy task state transitions",
		},
		[]string{"role", "state"}, // role: sender/receiver
	)

	// TrackedRequests tracks outstanding requests
	TrackedRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_requests",
			Help:      "Number of outstanding tracked requests",
		},
	)

	// RequestTimeouts counts requests failed by the watchdog
	RequestTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Total number of tracked requests that timed out",
		},
	)

	// ForwardDecisions counts client I/O routing decisions during migration
	ForwardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_decisions_total",
			Help:      "Client I/O forwarding decisions",
		},
		[]string{"decision"}, // forward/local
	)

	// RecordsTransferred counts records streamed to destinations
	RecordsTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_transferred_total",
			Help:      "Total number of records sent by shard-copy tasks",
		},
	)

	// ShardsMoved counts shards whose copy was verified
	ShardsMoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_moved_total",
			Help:      "Total number of shards copied and verified",
		},
	)

	// DeltaRounds counts copy rounds re-sending shards written during a copy
	DeltaRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_rounds_total",
			Help:      "Total number of delta rounds run by shard-copy tasks",
		},
	)

	// WritesReplicated counts client writes copied to a destination
	WritesReplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_replicated_total",
			Help:      "Client writes copied to destinations holding a verified shard",
		},
		[]string{"result"}, // ok/failed
	)

	// RebalanceTotal counts rebalance attempts
	RebalanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_total",
			Help:      "Total number of rebalance runs by outcome",
		},
		[]string{"outcome"}, // published/failed/noop
	)

	// RebalanceRetries counts per-pair session retries
	RebalanceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_retries_total",
			Help:      "Total number of node-pair session retries",
		},
	)

	// RebalanceDuration measures rebalance latency
	RebalanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_duration_seconds",
			Help:      "Rebalance latency in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	// PlacementVersion exposes the authoritative table version
	PlacementVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "placement_version",
			Help:      "Version of the authoritative placement table",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Coordinator server info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
