package datasource

import (
	"errors"
	"testing"

	"github.com/dmontag/arbordb/pkg/command"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/txlog"
)

func newGraphSource(t *testing.T, dir string) *GraphSource {
	t.Helper()
	ns, err := store.Open(dir, store.Options{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	log, err := txlog.Open(dir, txlog.Options{KeepLogs: true})
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGraphSource(ns, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Recover(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		log.Close()
		ns.Close()
	})
	return g
}

func nodeCommands(id uint64) [][]byte {
	c := command.Command{
		Kind:  store.KindNode,
		ID:    id,
		After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID}),
	}
	return [][]byte{command.EncodeList([]command.Command{c})}
}

func TestGraphSource_CommitAssignsSequentialIDs(t *testing.T) {
	g := newGraphSource(t, t.TempDir())

	tx1 := g.BeginTx()
	tx1.AddCommand(command.Command{Kind: store.KindNode, ID: 0, After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID})})
	if err := tx1.Prepare(); err != nil {
		t.Fatal(err)
	}
	id1, err := tx1.Commit(1)
	if err != nil {
		t.Fatal(err)
	}

	tx2 := g.BeginTx()
	tx2.AddCommand(command.Command{Kind: store.KindNode, ID: 1, After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID})})
	if err := tx2.Prepare(); err != nil {
		t.Fatal(err)
	}
	id2, err := tx2.Commit(1)
	if err != nil {
		t.Fatal(err)
	}

	if id1 != 1 || id2 != 2 {
		t.Errorf("Expected tx ids 1, 2; got %d, %d", id1, id2)
	}
	if g.LastCommittedTxID() != 2 {
		t.Errorf("Expected last committed 2, got %d", g.LastCommittedTxID())
	}
}

func TestGraphSource_ApplyCommittedRefusesGaps(t *testing.T) {
	g := newGraphSource(t, t.TempDir())

	if err := g.ApplyCommitted(txlog.CommittedTx{TxID: 1, Epoch: 1, Commands: nodeCommands(0)}); err != nil {
		t.Fatal(err)
	}

	err := g.ApplyCommitted(txlog.CommittedTx{TxID: 3, Epoch: 1, Commands: nodeCommands(2)})
	if !errors.Is(err, ErrTxGap) {
		t.Fatalf("Expected ErrTxGap, got %v", err)
	}

	// The gap did not advance the applied position.
	if g.LastCommittedTxID() != 1 {
		t.Errorf("Gap apply advanced last committed to %d", g.LastCommittedTxID())
	}

	// Filling the gap succeeds.
	if err := g.ApplyCommitted(txlog.CommittedTx{TxID: 2, Epoch: 1, Commands: nodeCommands(1)}); err != nil {
		t.Fatal(err)
	}
	if err := g.ApplyCommitted(txlog.CommittedTx{TxID: 3, Epoch: 1, Commands: nodeCommands(2)}); err != nil {
		t.Fatal(err)
	}
}

func TestGraphSource_ExtractMatchesApplied(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	a := newGraphSource(t, dirA)
	b := newGraphSource(t, dirB)

	for i := 0; i < 3; i++ {
		tx := a.BeginTx()
		tx.AddCommand(command.Command{Kind: store.KindNode, ID: uint64(i), After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID})})
		if err := tx.Prepare(); err != nil {
			t.Fatal(err)
		}
		if _, err := tx.Commit(1); err != nil {
			t.Fatal(err)
		}
	}

	txs, err := a.Extract(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 {
		t.Fatalf("Expected 3 extracted txs, got %d", len(txs))
	}

	for _, tx := range txs {
		if err := b.ApplyCommitted(tx); err != nil {
			t.Fatal(err)
		}
	}
	if b.LastCommittedTxID() != a.LastCommittedTxID() {
		t.Errorf("Replica at %d, primary at %d", b.LastCommittedTxID(), a.LastCommittedTxID())
	}

	// Replica store state matches.
	for i := uint64(0); i < 3; i++ {
		data, err := b.Store().ReadRecord(store.KindNode, i)
		if err != nil {
			t.Fatal(err)
		}
		rec, err := store.DecodeNode(data)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.InUse {
			t.Errorf("Node %d missing on replica", i)
		}
	}
}

func TestGraphSource_MasterEpochFor(t *testing.T) {
	g := newGraphSource(t, t.TempDir())

	if err := g.ApplyCommitted(txlog.CommittedTx{TxID: 1, Epoch: 4, Commands: nodeCommands(0)}); err != nil {
		t.Fatal(err)
	}

	epoch, err := g.MasterEpochFor(1)
	if err != nil {
		t.Fatal(err)
	}
	if epoch != 4 {
		t.Errorf("Expected epoch 4, got %d", epoch)
	}
}

func TestRegistry_CommitOrder(t *testing.T) {
	r := NewRegistry()
	g := NewMemorySource(GraphSourceName)
	idx := NewMemorySource("index.fulltext")

	if err := r.Register(g); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(idx); err != nil {
		t.Fatal(err)
	}

	names := r.Names()
	if names[0] != GraphSourceName || names[1] != "index.fulltext" {
		t.Errorf("Registry order wrong: %v", names)
	}
	if r.OrderOf(GraphSourceName) != 0 {
		t.Errorf("Graph store must commit first")
	}

	if err := r.Register(NewMemorySource(GraphSourceName)); !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("Expected ErrDuplicateSource, got %v", err)
	}
}
