package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GathersAllFamilies(t *testing.T) {
	r := NewRegistry()

	r.CommitsTotal.Inc()
	r.RPCRequestsTotal.WithLabelValues("COMMIT").Inc()
	r.ClusterEpoch.Set(3)
	r.SetClusterRole("primary")

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["arbordb_tx_commits_total"])
	assert.True(t, names["arbordb_replication_rpc_requests_total"])
	assert.True(t, names["arbordb_cluster_epoch"])
	assert.True(t, names["arbordb_cluster_role"])
}

func TestSetClusterRole_IsExclusive(t *testing.T) {
	r := NewRegistry()
	r.SetClusterRole("primary")
	r.SetClusterRole("follower")

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != "arbordb_cluster_role" {
			continue
		}
		active := 0
		for _, m := range f.GetMetric() {
			if m.GetGauge().GetValue() == 1 {
				active++
				require.Len(t, m.GetLabel(), 1)
				assert.Equal(t, "follower", m.GetLabel()[0].GetValue())
			}
		}
		assert.Equal(t, 1, active)
	}
}
