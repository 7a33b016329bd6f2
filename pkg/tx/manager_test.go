package tx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmontag/arbordb/pkg/datasource"
)

// recordingResource tracks the 2PC calls it receives.
type recordingResource struct {
	name       string
	prepareErr error
	events     *[]string
	txID       uint64
}

func (r *recordingResource) Name() string { return r.name }

func (r *recordingResource) Prepare() error {
	*r.events = append(*r.events, "prepare:"+r.name)
	return r.prepareErr
}

func (r *recordingResource) Commit(epoch uint64) (uint64, error) {
	*r.events = append(*r.events, "commit:"+r.name)
	r.txID++
	return r.txID, nil
}

func (r *recordingResource) Rollback() error {
	*r.events = append(*r.events, "rollback:"+r.name)
	return nil
}

func newTestManager(t *testing.T, names ...string) (*Manager, *datasource.Registry) {
	t.Helper()
	reg := datasource.NewRegistry()
	for _, n := range names {
		require.NoError(t, reg.Register(datasource.NewMemorySource(n)))
	}
	return NewManager(reg, NewLockManager(), nil, nil), reg
}

func TestCommit_GraphStoreCommitsBeforeIndexes(t *testing.T) {
	m, _ := newTestManager(t, datasource.GraphSourceName, "index.fulltext")

	var events []string
	graph := &recordingResource{name: datasource.GraphSourceName, events: &events}
	index := &recordingResource{name: "index.fulltext", events: &events}

	tx := m.Begin()
	// Enlist in the wrong order on purpose: commit order comes from the
	// registry, not from enlistment.
	require.NoError(t, tx.Enlist(index))
	require.NoError(t, tx.Enlist(graph))

	txIDs, err := tx.Commit()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"prepare:" + datasource.GraphSourceName,
		"prepare:index.fulltext",
		"commit:" + datasource.GraphSourceName,
		"commit:index.fulltext",
	}, events)
	assert.Equal(t, uint64(1), txIDs[datasource.GraphSourceName])
}

func TestCommit_PrepareFailureAbortsAll(t *testing.T) {
	m, _ := newTestManager(t, datasource.GraphSourceName, "index.fulltext")

	var events []string
	graph := &recordingResource{name: datasource.GraphSourceName, events: &events}
	index := &recordingResource{name: "index.fulltext", events: &events, prepareErr: fmt.Errorf("disk full")}

	tx := m.Begin()
	require.NoError(t, tx.Enlist(graph))
	require.NoError(t, tx.Enlist(index))

	_, err := tx.Commit()
	require.Error(t, err)

	assert.Contains(t, events, "rollback:"+datasource.GraphSourceName)
	assert.Contains(t, events, "rollback:index.fulltext")
	assert.NotContains(t, events, "commit:"+datasource.GraphSourceName)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestEnlist_JoinsOnce(t *testing.T) {
	m, _ := newTestManager(t, datasource.GraphSourceName)

	var events []string
	graph := &recordingResource{name: datasource.GraphSourceName, events: &events}

	tx := m.Begin()
	require.NoError(t, tx.Enlist(graph))
	err := tx.Enlist(graph)
	assert.ErrorIs(t, err, ErrAlreadyEnlisted)
	require.NoError(t, tx.Rollback())
}

func TestFinishedTransactionRefusesWork(t *testing.T) {
	m, _ := newTestManager(t, datasource.GraphSourceName)

	tx := m.Begin()
	require.NoError(t, tx.Rollback())

	_, err := tx.Commit()
	assert.ErrorIs(t, err, ErrTxFinished)
	assert.ErrorIs(t, tx.AcquireWriteLock("graphdb", 1), ErrTxFinished)
}

func TestLockManager_ReadersShareWritersExclude(t *testing.T) {
	lm := NewLockManager()
	key := LockKey{Resource: "graphdb", Record: 1}

	require.NoError(t, lm.AcquireRead(1, key))
	require.NoError(t, lm.AcquireRead(2, key))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.AcquireWrite(3, key)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Write lock granted while readers hold it: %v", err)
	default:
	}

	lm.ReleaseAll(1)
	lm.ReleaseAll(2)

	require.NoError(t, <-acquired)
	lm.ReleaseAll(3)
}

func TestLockManager_ReentrantUpgradeBySameTx(t *testing.T) {
	lm := NewLockManager()
	key := LockKey{Resource: "graphdb", Record: 7}

	require.NoError(t, lm.AcquireRead(1, key))
	require.NoError(t, lm.AcquireWrite(1, key))
	require.NoError(t, lm.AcquireWrite(1, key))
	lm.ReleaseAll(1)

	// Fully released: another tx can take the write lock immediately.
	require.NoError(t, lm.AcquireWrite(2, key))
	lm.ReleaseAll(2)
}

func TestLockManager_DeadlockAbortsYoungest(t *testing.T) {
	lm := NewLockManager()
	keyA := LockKey{Resource: "graphdb", Record: 1}
	keyB := LockKey{Resource: "graphdb", Record: 2}

	// Tx 1 (older) holds A; tx 2 (younger) holds B.
	require.NoError(t, lm.AcquireWrite(1, keyA))
	require.NoError(t, lm.AcquireWrite(2, keyB))

	olderDone := make(chan error, 1)
	youngerDone := make(chan error, 1)

	go func() {
		// Older tx blocks on B.
		olderDone <- lm.AcquireWrite(1, keyB)
	}()
	go func() {
		// Younger tx closes the cycle on A.
		youngerDone <- lm.AcquireWrite(2, keyA)
	}()

	var olderErr, youngerErr error
	for i := 0; i < 2; i++ {
		select {
		case err := <-youngerDone:
			youngerErr = err
			// The victim must release for the survivor to proceed.
			lm.ReleaseAll(2)
		case err := <-olderDone:
			olderErr = err
		}
	}

	assert.True(t, errors.Is(youngerErr, ErrDeadlock), "youngest must be aborted, got %v", youngerErr)
	assert.NoError(t, olderErr, "older transaction must survive and acquire the lock")
	lm.ReleaseAll(1)
}

func TestLockManager_ThreeWayDeadlockAbortsYoungestInCycle(t *testing.T) {
	lm := NewLockManager()
	keyA := LockKey{Resource: "graphdb", Record: 1}
	keyB := LockKey{Resource: "graphdb", Record: 2}
	keyC := LockKey{Resource: "graphdb", Record: 3}

	// Tx 1 holds A, tx 3 holds B, tx 2 holds C. The cycle 1->3->2->1 has
	// the youngest transaction (3) in the middle, not at either end of the
	// edge that closes it.
	require.NoError(t, lm.AcquireWrite(1, keyA))
	require.NoError(t, lm.AcquireWrite(3, keyB))
	require.NoError(t, lm.AcquireWrite(2, keyC))

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	done3 := make(chan error, 1)

	go func() { done1 <- lm.AcquireWrite(1, keyB) }()
	go func() { done3 <- lm.AcquireWrite(3, keyC) }()
	go func() { done2 <- lm.AcquireWrite(2, keyA) }()

	for i := 0; i < 3; i++ {
		select {
		case err := <-done3:
			assert.True(t, errors.Is(err, ErrDeadlock), "tx 3 is the youngest cycle member, got %v", err)
			lm.ReleaseAll(3)
		case err := <-done1:
			assert.NoError(t, err, "tx 1 must survive")
			lm.ReleaseAll(1)
		case err := <-done2:
			assert.NoError(t, err, "tx 2 must survive")
			lm.ReleaseAll(2)
		}
	}
}
