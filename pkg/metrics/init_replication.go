package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.RPCRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbordb_replication_rpc_requests_total",
			Help: "Total primary RPC requests by opcode",
		},
		[]string{"opcode"},
	)

	r.ForwardedCommitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_replication_forwarded_commits_total",
			Help: "Total follower commits forwarded to this primary",
		},
	)

	r.PullsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_replication_pulls_total",
			Help: "Total update pulls issued by this follower",
		},
	)

	r.PullDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbordb_replication_pull_duration_seconds",
			Help:    "Update pull latency in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.StoreCopiesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_replication_store_copies_total",
			Help: "Total full store copies served",
		},
	)

	r.BranchRejectionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_replication_branch_rejections_total",
			Help: "Total requests refused because the follower history diverged",
		},
	)
}
