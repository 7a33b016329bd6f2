package replication

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmontag/arbordb/pkg/command"
	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/tx"
	"github.com/dmontag/arbordb/pkg/txlog"
)

var testAddrSeq atomic.Uint64

type primaryFixture struct {
	graph    *datasource.GraphSource
	registry *datasource.Registry
	primary  *Primary
	client   *Client
	epoch    atomic.Uint64
}

func newPrimaryFixture(t *testing.T) *primaryFixture {
	t.Helper()
	dir := t.TempDir()

	ns, err := store.Open(dir, store.Options{AllowCreate: true})
	require.NoError(t, err)
	log, err := txlog.Open(dir, txlog.Options{KeepLogs: true})
	require.NoError(t, err)
	graph, err := datasource.NewGraphSource(ns, log, nil)
	require.NoError(t, err)
	require.NoError(t, graph.Recover())

	registry := datasource.NewRegistry()
	require.NoError(t, registry.Register(graph))

	f := &primaryFixture{graph: graph, registry: registry}
	f.epoch.Store(1)

	txm := tx.NewManager(registry, tx.NewLockManager(), f.epoch.Load, nil)

	addr := fmt.Sprintf("inproc://primary-test-%d", testAddrSeq.Add(1))
	f.primary = NewPrimary(PrimaryConfig{
		ListenAddr: addr,
		EpochFn:    f.epoch.Load,
	}, registry, txm, ns)
	require.NoError(t, f.primary.Start())

	client, err := NewClient(ClientConfig{PrimaryAddr: addr, Timeout: 5 * time.Second})
	require.NoError(t, err)
	f.client = client

	t.Cleanup(func() {
		client.Close()
		f.primary.Stop()
		log.Close()
		ns.Close()
	})
	return f
}

func followerCtx(f *primaryFixture, followerID int) FollowerContext {
	last := f.graph.LastCommittedTxID()
	epoch := uint64(0)
	if last > 0 {
		epoch, _ = f.graph.MasterEpochFor(last)
	}
	return FollowerContext{
		FollowerID: followerID,
		EventID:    1,
		Resources: []ResourceState{
			{Resource: datasource.GraphSourceName, LastTxID: last, LastEpoch: epoch},
		},
	}
}

func encodedNodeCommand(id uint64) []byte {
	return command.EncodeList([]command.Command{{
		Kind:  store.KindNode,
		ID:    id,
		After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID}),
	}})
}

func TestPrimary_AllocateIDs(t *testing.T) {
	f := newPrimaryFixture(t)

	ranges, err := f.client.AllocateIDs(followerCtx(f, 2), uint8(store.KindNode), 8)
	require.NoError(t, err)

	total := uint32(0)
	for _, r := range ranges {
		total += r.Length
	}
	assert.Equal(t, uint32(8), total)
	// Fresh store: all ids come off the high water mark as one run.
	assert.Len(t, ranges, 1)
	assert.Equal(t, uint64(0), ranges[0].Start)
}

func TestPrimary_CommitRoundTrip(t *testing.T) {
	f := newPrimaryFixture(t)

	ctx := FollowerContext{FollowerID: 2, EventID: 1}
	txID, epoch, stream, err := f.client.Commit(ctx, datasource.GraphSourceName,
		[][]byte{encodedNodeCommand(0)})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), txID)
	assert.Equal(t, uint64(1), epoch)
	require.Len(t, stream, 1, "the committed tx comes back in the apply stream")
	assert.Equal(t, uint64(1), stream[0].Tx.TxID)

	// Durable on the primary.
	assert.Equal(t, uint64(1), f.graph.LastCommittedTxID())
}

func TestPrimary_CommitReturnsMissingHistory(t *testing.T) {
	f := newPrimaryFixture(t)

	// Two commits land on the primary first.
	for i := uint64(0); i < 2; i++ {
		_, _, _, err := f.client.Commit(FollowerContext{FollowerID: 3, EventID: 1},
			datasource.GraphSourceName, [][]byte{encodedNodeCommand(i)})
		require.NoError(t, err)
	}

	// A follower that has applied nothing commits next: the stream carries
	// all three transactions in order.
	_, _, stream, err := f.client.Commit(FollowerContext{FollowerID: 2, EventID: 1},
		datasource.GraphSourceName, [][]byte{encodedNodeCommand(2)})
	require.NoError(t, err)
	require.Len(t, stream, 3)
	for i, e := range stream {
		assert.Equal(t, uint64(i+1), e.Tx.TxID)
	}
}

func TestPrimary_PullUpdates(t *testing.T) {
	f := newPrimaryFixture(t)

	for i := uint64(0); i < 3; i++ {
		_, _, _, err := f.client.Commit(FollowerContext{FollowerID: 3, EventID: 1},
			datasource.GraphSourceName, [][]byte{encodedNodeCommand(i)})
		require.NoError(t, err)
	}

	// Follower has applied through tx 1.
	epoch1, err := f.graph.MasterEpochFor(1)
	require.NoError(t, err)
	ctx := FollowerContext{
		FollowerID: 2,
		EventID:    1,
		Resources:  []ResourceState{{Resource: datasource.GraphSourceName, LastTxID: 1, LastEpoch: epoch1}},
	}

	stream, err := f.client.PullUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, uint64(2), stream[0].Tx.TxID)
	assert.Equal(t, uint64(3), stream[1].Tx.TxID)
}

func TestPrimary_BranchRejection(t *testing.T) {
	f := newPrimaryFixture(t)

	_, _, _, err := f.client.Commit(FollowerContext{FollowerID: 3, EventID: 1},
		datasource.GraphSourceName, [][]byte{encodedNodeCommand(0)})
	require.NoError(t, err)

	// Follower claims tx 1 was produced under a different epoch.
	ctx := FollowerContext{
		FollowerID: 2,
		EventID:    1,
		Resources:  []ResourceState{{Resource: datasource.GraphSourceName, LastTxID: 1, LastEpoch: 9}},
	}
	_, err = f.client.PullUpdates(ctx)
	assert.ErrorIs(t, err, ErrBranched)

	// A follower ahead of the primary is branched too.
	ctx.Resources[0] = ResourceState{Resource: datasource.GraphSourceName, LastTxID: 5, LastEpoch: 1}
	_, err = f.client.PullUpdates(ctx)
	assert.ErrorIs(t, err, ErrBranched)
}

func TestPrimary_StaleEpochFencing(t *testing.T) {
	f := newPrimaryFixture(t)
	f.epoch.Store(3)

	ctx := FollowerContext{FollowerID: 2, EventID: 1}
	_, _, _, err := f.client.Commit(ctx, datasource.GraphSourceName,
		[][]byte{encodedNodeCommand(0)})
	assert.ErrorIs(t, err, ErrStaleEpoch)
}

func TestPrimary_RemoteLocks(t *testing.T) {
	f := newPrimaryFixture(t)
	ctx := FollowerContext{FollowerID: 2, EventID: 1}

	err := f.client.AcquireLocks(ctx, "2/1", []LockRequest{
		{Resource: datasource.GraphSourceName, Record: 1, Write: true},
	})
	require.NoError(t, err)

	require.NoError(t, f.client.ReleaseLocks(ctx, "2/1"))
}

func TestPrimary_MasterEpochForAndLastTx(t *testing.T) {
	f := newPrimaryFixture(t)

	_, _, _, err := f.client.Commit(FollowerContext{FollowerID: 3, EventID: 1},
		datasource.GraphSourceName, [][]byte{encodedNodeCommand(0)})
	require.NoError(t, err)

	probe := FollowerContext{FollowerID: 2, EventID: 1}
	epoch, err := f.client.MasterEpochFor(probe, datasource.GraphSourceName, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch)

	last, err := f.client.LastTx(probe, datasource.GraphSourceName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestPrimary_CopyStore(t *testing.T) {
	f := newPrimaryFixture(t)

	for i := uint64(0); i < 2; i++ {
		_, _, _, err := f.client.Commit(FollowerContext{FollowerID: 3, EventID: 1},
			datasource.GraphSourceName, [][]byte{encodedNodeCommand(i)})
		require.NoError(t, err)
	}

	files, lastTx, tail, err := f.client.CopyStore(FollowerContext{FollowerID: 2, EventID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lastTx)
	assert.Empty(t, tail, "commits are blocked during the copy")

	names := make(map[string]bool)
	for _, file := range files {
		names[file.Path] = true
	}
	assert.True(t, names[store.MetaFile])
	assert.True(t, names[store.NodeFile])
	assert.True(t, names[txlog.MarkerName])

	// Install the copy and verify the replica store opens and matches.
	dir := t.TempDir()
	require.NoError(t, datasource.WriteSnapshotFiles(dir, files))

	ns, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer ns.Close()

	txID, _, err := ns.LastCommittedTx()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), txID)

	data, err := ns.ReadRecord(store.KindNode, 0)
	require.NoError(t, err)
	rec, err := store.DecodeNode(data)
	require.NoError(t, err)
	assert.True(t, rec.InUse)
}

func TestClient_TimeoutSurfacesAsComm(t *testing.T) {
	// Dial a primary that never answers.
	addr := fmt.Sprintf("inproc://no-primary-%d", testAddrSeq.Add(1))
	client, err := NewClient(ClientConfig{PrimaryAddr: addr, Timeout: 100 * time.Millisecond})
	if err != nil {
		// Some transports refuse the dial outright; that is a comm failure
		// too.
		assert.ErrorIs(t, err, ErrComm)
		return
	}
	defer client.Close()

	_, err = client.PullUpdates(FollowerContext{FollowerID: 2, EventID: 1})
	assert.ErrorIs(t, err, ErrComm)
}
