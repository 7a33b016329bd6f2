// Package metrics exports Prometheus metrics for the store engine, the
// transaction coordinator, replication, and the cluster role.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with every metric registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initStoreMetrics()
	r.initTxMetrics()
	r.initReplicationMetrics()
	r.initClusterMetrics()
	return r
}

// Handler returns an HTTP handler exposing the metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// SetClusterRole flips the role gauge to exactly one active role.
func (r *Registry) SetClusterRole(role string) {
	for _, known := range []string{"primary", "follower", "pending"} {
		v := 0.0
		if known == role {
			v = 1.0
		}
		r.ClusterRole.WithLabelValues(known).Set(v)
	}
}
