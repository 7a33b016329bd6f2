package datasource

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dmontag/arbordb/pkg/command"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/txlog"
)

// Applying the same committed transaction twice must leave the store in the
// same state as applying it once, for arbitrary record contents.
func TestApplyCommitted_IdempotencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("double apply equals single apply", prop.ForAll(
		func(recordIDs []uint64, firstProps []uint64) bool {
			if len(recordIDs) == 0 {
				return true
			}
			if len(firstProps) < len(recordIDs) {
				return true
			}

			dir := t.TempDir()
			g := newGraphSource(t, dir)

			cmds := make([]command.Command, 0, len(recordIDs))
			for i, id := range recordIDs {
				cmds = append(cmds, command.Command{
					Kind:  store.KindNode,
					ID:    id % 1024,
					After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: firstProps[i]}),
				})
			}
			tx := txlog.CommittedTx{TxID: 1, Epoch: 1, Commands: [][]byte{command.EncodeList(cmds)}}

			if err := g.ApplyCommitted(tx); err != nil {
				return false
			}
			snapshot := readNodes(t, g, recordIDs)

			// Second delivery of the same commit record.
			if err := g.ApplyCommitted(tx); err != nil {
				return false
			}
			again := readNodes(t, g, recordIDs)

			return bytes.Equal(snapshot, again)
		},
		gen.SliceOf(gen.UInt64Range(0, 1023)),
		gen.SliceOfN(64, gen.UInt64()),
	))

	properties.TestingRun(t)
}

func readNodes(t *testing.T, g *GraphSource, ids []uint64) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		data, err := g.Store().ReadRecord(store.KindNode, id%1024)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(data)
	}
	return buf.Bytes()
}
