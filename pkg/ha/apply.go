package ha

import (
	"fmt"

	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/replication"
)

// applyStream applies a primary's apply stream through the local data
// sources, in order, without interleaving other transactions.
func applyStream(registry *datasource.Registry, stream []replication.TxStreamEntry) error {
	for _, e := range stream {
		ds, err := registry.Get(e.Resource)
		if err != nil {
			return err
		}
		if err := ds.ApplyCommitted(e.Tx); err != nil {
			return fmt.Errorf("failed to apply tx %d on %s: %w", e.Tx.TxID, e.Resource, err)
		}
	}
	return nil
}
