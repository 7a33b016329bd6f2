package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmontag/arbordb/pkg/store"
)

func TestBroker_BootstrapElectsFirstJoiner(t *testing.T) {
	coord := NewMemoryCoordination()

	a := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001"}, nil)
	require.NoError(t, a.Join())

	view, err := a.CurrentView()
	require.NoError(t, err)
	assert.Equal(t, 1, view.PrimaryID)
	assert.Equal(t, uint64(1), view.Epoch)

	isPrimary, err := a.IAmPrimary()
	require.NoError(t, err)
	assert.True(t, isPrimary)
}

func TestBroker_SecondJoinerBecomesFollower(t *testing.T) {
	coord := NewMemoryCoordination()

	a := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001"}, nil)
	b := NewBroker(coord, "test.ha", Member{ID: 2, Address: "127.0.0.1:6002"}, nil)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())

	viewB, err := b.CurrentView()
	require.NoError(t, err)
	assert.Equal(t, 1, viewB.PrimaryID)
	assert.Len(t, viewB.Members, 2)

	addr, ok := viewB.Address(1)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:6001", addr)

	isPrimary, err := b.IAmPrimary()
	require.NoError(t, err)
	assert.False(t, isPrimary)
}

func TestBroker_PrimaryLossElectsNextWithHigherEpoch(t *testing.T) {
	coord := NewMemoryCoordination()

	a := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001"}, nil)
	b := NewBroker(coord, "test.ha", Member{ID: 2, Address: "127.0.0.1:6002"}, nil)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())

	view, err := b.CurrentView()
	require.NoError(t, err)
	require.Equal(t, 1, view.PrimaryID)
	require.Equal(t, uint64(1), view.Epoch)

	// The primary's ephemeral registration disappears.
	require.NoError(t, a.Leave())

	view, err = b.CurrentView()
	require.NoError(t, err)
	assert.Equal(t, 2, view.PrimaryID)
	assert.Equal(t, uint64(2), view.Epoch, "epoch must increase on election")
}

func TestBroker_BackupSlaveNeverElected(t *testing.T) {
	coord := NewMemoryCoordination()

	backup := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001", Backup: true}, nil)
	regular := NewBroker(coord, "test.ha", Member{ID: 2, Address: "127.0.0.1:6002"}, nil)
	require.NoError(t, backup.Join())
	require.NoError(t, regular.Join())

	view, err := backup.CurrentView()
	require.NoError(t, err)
	assert.Equal(t, 2, view.PrimaryID, "backup slave must not win despite smaller seq")

	// With only the backup alive there is no electable member.
	require.NoError(t, regular.Leave())
	_, err = backup.CurrentView()
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestBroker_ForceReelectBumpsEpoch(t *testing.T) {
	coord := NewMemoryCoordination()

	a := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001"}, nil)
	require.NoError(t, a.Join())

	first, err := a.CurrentView()
	require.NoError(t, err)

	second, err := a.ForceReelect()
	require.NoError(t, err)
	assert.Equal(t, first.PrimaryID, second.PrimaryID)
	assert.Equal(t, first.Epoch+1, second.Epoch)
}

func TestBroker_CreateClusterFirstProposalWins(t *testing.T) {
	coord := NewMemoryCoordination()

	a := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001"}, nil)
	b := NewBroker(coord, "test.ha", Member{ID: 2, Address: "127.0.0.1:6002"}, nil)

	idA := store.NewIdentity()
	idB := store.NewIdentity()

	agreedA, err := a.CreateCluster(idA)
	require.NoError(t, err)
	assert.True(t, agreedA.Equal(idA))

	agreedB, err := b.CreateCluster(idB)
	require.NoError(t, err)
	assert.True(t, agreedB.Equal(idA), "second proposal must adopt the first identity")
}

func TestBroker_ViewRequiresRegistration(t *testing.T) {
	coord := NewMemoryCoordination()
	a := NewBroker(coord, "test.ha", Member{ID: 1, Address: "127.0.0.1:6001"}, nil)

	_, err := a.CurrentView()
	assert.ErrorIs(t, err, ErrNotRegistered)
}
