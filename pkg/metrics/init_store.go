package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStoreMetrics() {
	r.RecordReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbordb_store_record_reads_total",
			Help: "Total record reads per store file",
		},
		[]string{"store"},
	)

	r.RecordWritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbordb_store_record_writes_total",
			Help: "Total record writes per store file",
		},
		[]string{"store"},
	)

	r.IDAllocationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbordb_store_id_allocations_total",
			Help: "Total id allocations per store file",
		},
		[]string{"store"},
	)

	r.StoreFlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbordb_store_flushes_total",
			Help: "Total full store flushes",
		},
	)
}
