package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTxMetrics() {
	r.CommitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_tx_commits_total",
			Help: "Total committed transactions",
		},
	)

	r.RollbacksTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_tx_rollbacks_total",
			Help: "Total rolled back transactions",
		},
	)

	r.DeadlocksTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_tx_deadlocks_total",
			Help: "Total transactions aborted by the deadlock detector",
		},
	)

	r.ActiveTx = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbordb_tx_active",
			Help: "Currently open transactions",
		},
	)

	r.CommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbordb_tx_commit_duration_seconds",
			Help:    "Commit latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	r.LogRotationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_txlog_rotations_total",
			Help: "Total logical log rotations",
		},
	)
}
