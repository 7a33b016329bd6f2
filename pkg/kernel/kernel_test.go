package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmontag/arbordb/pkg/config"
)

func openTestKernel(t *testing.T, dir string) *Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.MachineID = 1
	require.NoError(t, cfg.Validate())

	k, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { k.Shutdown(nil) })
	return k
}

func TestKernel_CreateAndReadNode(t *testing.T) {
	k := openTestKernel(t, t.TempDir())

	txn, err := k.Begin()
	require.NoError(t, err)
	id, err := txn.CreateNode()
	require.NoError(t, err)
	require.NoError(t, txn.SetNodeProperty(id, "name", StringValue("alpha")))
	require.NoError(t, txn.SetNodeProperty(id, "weight", IntValue(42)))
	require.NoError(t, txn.Commit())

	exists, err := k.NodeExists(id)
	require.NoError(t, err)
	assert.True(t, exists)

	name, found, err := k.GetNodeProperty(id, "name")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", name.Str)

	weight, found, err := k.GetNodeProperty(id, "weight")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), weight.Int)
}

func TestKernel_UncommittedWritesInvisible(t *testing.T) {
	k := openTestKernel(t, t.TempDir())

	txn, err := k.Begin()
	require.NoError(t, err)
	id, err := txn.CreateNode()
	require.NoError(t, err)

	exists, err := k.NodeExists(id)
	require.NoError(t, err)
	assert.False(t, exists, "uncommitted node must not be visible")

	require.NoError(t, txn.Rollback())

	exists, err = k.NodeExists(id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestKernel_RelationshipChains(t *testing.T) {
	k := openTestKernel(t, t.TempDir())

	txn, err := k.Begin()
	require.NoError(t, err)
	a, _ := txn.CreateNode()
	b, _ := txn.CreateNode()
	c, _ := txn.CreateNode()
	knows, err := txn.CreateRelationshipType("KNOWS")
	require.NoError(t, err)
	r1, err := txn.CreateRelationship(knows, a, b)
	require.NoError(t, err)
	r2, err := txn.CreateRelationship(knows, a, c)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	rels, err := k.Relationships(a)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	// Chain inserts at the head: newest first.
	assert.Equal(t, r2, rels[0].ID)
	assert.Equal(t, r1, rels[1].ID)

	relsB, err := k.Relationships(b)
	require.NoError(t, err)
	require.Len(t, relsB, 1)
	assert.Equal(t, r1, relsB[0].ID)

	name, ok := k.RelationshipTypeName(knows)
	require.True(t, ok)
	assert.Equal(t, "KNOWS", name)
}

func TestKernel_DeleteRelationshipUnlinks(t *testing.T) {
	k := openTestKernel(t, t.TempDir())

	txn, _ := k.Begin()
	a, _ := txn.CreateNode()
	b, _ := txn.CreateNode()
	typeID, _ := txn.CreateRelationshipType("LINKS")
	r1, _ := txn.CreateRelationship(typeID, a, b)
	r2, _ := txn.CreateRelationship(typeID, a, b)
	require.NoError(t, txn.Commit())

	txn2, _ := k.Begin()
	require.NoError(t, txn2.DeleteRelationship(r2))
	require.NoError(t, txn2.Commit())

	rels, err := k.Relationships(a)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, r1, rels[0].ID)

	// Node deletion is refused while a relationship remains.
	txn3, _ := k.Begin()
	err = txn3.DeleteNode(a)
	assert.ErrorIs(t, err, ErrHasRelationships)
	txn3.Rollback()

	txn4, _ := k.Begin()
	require.NoError(t, txn4.DeleteRelationship(r1))
	require.NoError(t, txn4.DeleteNode(a))
	require.NoError(t, txn4.Commit())

	exists, _ := k.NodeExists(a)
	assert.False(t, exists)
}

func TestKernel_PropertiesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.MachineID = 1
	require.NoError(t, cfg.Validate())

	k, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)

	txn, _ := k.Begin()
	id, _ := txn.CreateNode()
	long := make([]byte, 500)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	require.NoError(t, txn.SetNodeProperty(id, "blob", StringValue(string(long))))
	require.NoError(t, txn.Commit())
	require.NoError(t, k.Shutdown(nil))

	k2, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	defer k2.Shutdown(nil)

	v, found, err := k2.GetNodeProperty(id, "blob")
	require.NoError(t, err)
	require.True(t, found, "property key table must survive restart")
	assert.Equal(t, string(long), v.Str)
}

func TestKernel_RemoveProperty(t *testing.T) {
	k := openTestKernel(t, t.TempDir())

	txn, _ := k.Begin()
	id, _ := txn.CreateNode()
	require.NoError(t, txn.SetNodeProperty(id, "a", IntValue(1)))
	require.NoError(t, txn.SetNodeProperty(id, "b", IntValue(2)))
	require.NoError(t, txn.Commit())

	txn2, _ := k.Begin()
	require.NoError(t, txn2.RemoveNodeProperty(id, "a"))
	require.NoError(t, txn2.Commit())

	_, found, err := k.GetNodeProperty(id, "a")
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := k.GetNodeProperty(id, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), v.Int)
}

func TestKernel_ReadOnlyRefusesWrites(t *testing.T) {
	dir := t.TempDir()
	k := openTestKernel(t, dir)
	txn, _ := k.Begin()
	txn.CreateNode()
	require.NoError(t, txn.Commit())
	require.NoError(t, k.Shutdown(nil))

	cfg := config.Default()
	cfg.MachineID = 1
	cfg.ReadOnly = true
	require.NoError(t, cfg.Validate())

	ro, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	defer ro.Shutdown(nil)

	_, err = ro.Begin()
	assert.ErrorIs(t, err, ErrReadOnlyKernel)

	exists, err := ro.NodeExists(0)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestKernel_ShutdownCauseSurfaces(t *testing.T) {
	k := openTestKernel(t, t.TempDir())

	cause := assert.AnError
	require.NoError(t, k.Shutdown(cause))

	_, err := k.Begin()
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorContains(t, err, cause.Error())
}
