package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterEpoch = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "arbordb_cluster_epoch",
			Help: "Current cluster epoch",
		},
	)

	r.ClusterRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbordb_cluster_role",
			Help: "Node role in cluster (1 for current role, 0 otherwise)",
		},
		[]string{"role"},
	)

	r.ElectionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_cluster_elections_total",
			Help: "Total elections this node observed",
		},
	)

	r.BranchQuarantines = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_cluster_branch_quarantines_total",
			Help: "Total branched stores moved aside",
		},
	)

	r.RoleTransitionSeconds = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbordb_cluster_role_transition_seconds",
			Help:    "Duration of role transitions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		},
	)
}
