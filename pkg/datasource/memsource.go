package datasource

import (
	"fmt"
	"sync"

	"github.com/dmontag/arbordb/pkg/txlog"
)

// MemorySource is an in-memory data source used as a secondary resource:
// external index implementations plug in behind the same interface, and the
// test suites exercise multi-resource commit ordering through it. Its
// history is rebuildable from the graph store, which is why the coordinator
// commits the graph store first.
type MemorySource struct {
	name string

	mu            sync.Mutex
	lastCommitted uint64
	lastEpoch     uint64
	epochs        map[uint64]uint64
	applied       map[uint64][][]byte
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource(name string) *MemorySource {
	return &MemorySource{
		name:    name,
		epochs:  map[uint64]uint64{},
		applied: map[uint64][][]byte{},
	}
}

// Name implements DataSource.
func (m *MemorySource) Name() string { return m.name }

// LastCommittedTxID implements DataSource.
func (m *MemorySource) LastCommittedTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommitted
}

// ApplyCommitted implements DataSource.
func (m *MemorySource) ApplyCommitted(tx txlog.CommittedTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.TxID <= m.lastCommitted {
		return nil
	}
	if tx.TxID != m.lastCommitted+1 {
		return fmt.Errorf("expected tx %d, got %d: %w", m.lastCommitted+1, tx.TxID, ErrTxGap)
	}
	m.applied[tx.TxID] = tx.Commands
	m.epochs[tx.TxID] = tx.Epoch
	m.lastCommitted = tx.TxID
	m.lastEpoch = tx.Epoch
	return nil
}

// Extract implements DataSource.
func (m *MemorySource) Extract(fromTxID uint64) ([]txlog.CommittedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []txlog.CommittedTx
	for id := fromTxID + 1; id <= m.lastCommitted; id++ {
		cmds, ok := m.applied[id]
		if !ok {
			continue
		}
		out = append(out, txlog.CommittedTx{TxID: id, Epoch: m.epochs[id], Commands: cmds})
	}
	return out, nil
}

// MasterEpochFor implements DataSource.
func (m *MemorySource) MasterEpochFor(txID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txID == 0 {
		return 0, nil
	}
	epoch, ok := m.epochs[txID]
	if !ok {
		return 0, fmt.Errorf("tx %d: %w", txID, txlog.ErrUnknownTx)
	}
	return epoch, nil
}

// SetLastCommitted implements DataSource.
func (m *MemorySource) SetLastCommitted(txID uint64, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCommitted = txID
	m.lastEpoch = epoch
	return nil
}

// MemoryTx is the per-transaction participant of a MemorySource.
type MemoryTx struct {
	src      *MemorySource
	entries  [][]byte
	prepared bool
	finished bool
}

// BeginTx opens a participant for one coordinator transaction.
func (m *MemorySource) BeginTx() *MemoryTx {
	return &MemoryTx{src: m}
}

// Name returns the resource name.
func (t *MemoryTx) Name() string { return t.src.name }

// Add buffers one index entry.
func (t *MemoryTx) Add(entry []byte) {
	t.entries = append(t.entries, entry)
}

// Prepare marks the participant ready.
func (t *MemoryTx) Prepare() error {
	if t.finished {
		return fmt.Errorf("transaction already finished")
	}
	t.prepared = true
	return nil
}

// Commit applies buffered entries under the next tx id.
func (t *MemoryTx) Commit(epoch uint64) (uint64, error) {
	if !t.prepared {
		return 0, fmt.Errorf("commit before prepare")
	}
	if t.finished {
		return 0, fmt.Errorf("transaction already finished")
	}
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	txID := t.src.lastCommitted + 1
	t.src.applied[txID] = t.entries
	t.src.epochs[txID] = epoch
	t.src.lastCommitted = txID
	t.src.lastEpoch = epoch
	t.finished = true
	return txID, nil
}

// Rollback discards buffered entries.
func (t *MemoryTx) Rollback() error {
	t.finished = true
	t.entries = nil
	return nil
}
