package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the database exports.
type Registry struct {
	registry *prometheus.Registry

	// Store metrics
	RecordReadsTotal   *prometheus.CounterVec
	RecordWritesTotal  *prometheus.CounterVec
	IDAllocationsTotal *prometheus.CounterVec
	StoreFlushesTotal  prometheus.Counter

	// Transaction metrics
	CommitsTotal      prometheus.Counter
	RollbacksTotal    prometheus.Counter
	DeadlocksTotal    prometheus.Counter
	ActiveTx          prometheus.Gauge
	CommitDuration    prometheus.Histogram
	LogRotationsTotal prometheus.Counter

	// Replication metrics
	RPCRequestsTotal      *prometheus.CounterVec
	ForwardedCommitsTotal prometheus.Counter
	PullsTotal            prometheus.Counter
	PullDuration          prometheus.Histogram
	StoreCopiesTotal      prometheus.Counter
	BranchRejectionsTotal prometheus.Counter

	// Cluster metrics
	ClusterEpoch          prometheus.Gauge
	ClusterRole           *prometheus.GaugeVec
	ElectionsTotal        prometheus.Counter
	BranchQuarantines     prometheus.Counter
	RoleTransitionSeconds prometheus.Histogram
}
