// Package tx implements the transaction coordinator: two-phase commit over
// the registered data sources of one transaction, record-granularity
// locking, and the id-generation hook that differs between primary and
// follower.
package tx

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/store"
)

var (
	// ErrTxFinished is returned for operations on a committed or rolled
	// back transaction.
	ErrTxFinished = errors.New("transaction already finished")

	// ErrAlreadyEnlisted is returned when a resource joins twice.
	ErrAlreadyEnlisted = errors.New("resource already enlisted")
)

// Resource is one data source's participant in a transaction.
type Resource interface {
	Name() string
	// Prepare flushes the participant's commands and forces its log. Any
	// failure aborts the whole transaction.
	Prepare() error
	// Commit writes the durable commit record under the next tx id of the
	// resource and applies the changes.
	Commit(epoch uint64) (uint64, error)
	// Rollback discards buffered changes.
	Rollback() error
}

// IDAllocator hands out record ids. On the primary it is the store's own
// allocator; on a follower it is backed by ranges reserved over RPC.
type IDAllocator interface {
	AllocateID(kind store.Kind) (uint64, error)
}

// LocalAllocator allocates straight from the store files.
type LocalAllocator struct {
	NS *store.NeoStore
}

// AllocateID implements IDAllocator.
func (a LocalAllocator) AllocateID(kind store.Kind) (uint64, error) {
	return a.NS.AllocateID(kind)
}

// Manager coordinates transactions over the data-source registry.
type Manager struct {
	registry *datasource.Registry
	locks    *LockManager
	logger   logging.Logger

	// epochFn returns the primary epoch stamped into commit records.
	epochFn func() uint64

	nextLocal atomic.Uint64
	mu        sync.Mutex
	active    map[uint64]*Transaction
}

// NewManager creates a coordinator over the given registry.
func NewManager(registry *datasource.Registry, locks *LockManager, epochFn func() uint64, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if epochFn == nil {
		epochFn = func() uint64 { return 0 }
	}
	return &Manager{
		registry: registry,
		locks:    locks,
		logger:   logger.With(logging.Component("tx")),
		epochFn:  epochFn,
		active:   make(map[uint64]*Transaction),
	}
}

// Locks exposes the lock manager, used by the primary RPC server to grant
// remote locks.
func (m *Manager) Locks() *LockManager { return m.locks }

// Transaction is an explicit transaction handle. A handle is not safe for
// concurrent use; distinct transactions may proceed in parallel subject to
// the lock manager.
type Transaction struct {
	m       *Manager
	localID uint64
	started time.Time

	resources []Resource
	finished  bool
}

// Begin associates a fresh transaction handle with the caller.
func (m *Manager) Begin() *Transaction {
	t := &Transaction{
		m:       m,
		localID: m.nextLocal.Add(1),
		started: time.Now(),
	}
	m.mu.Lock()
	m.active[t.localID] = t
	m.mu.Unlock()
	return t
}

// ActiveCount returns the number of open transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// LocalID returns the transaction's coordinator-local id. Ids are assigned
// in begin order; deadlock detection aborts the highest.
func (t *Transaction) LocalID() uint64 { return t.localID }

// Enlist joins a resource participant. Each data source joins once.
func (t *Transaction) Enlist(r Resource) error {
	if t.finished {
		return ErrTxFinished
	}
	for _, existing := range t.resources {
		if existing.Name() == r.Name() {
			return fmt.Errorf("%s: %w", r.Name(), ErrAlreadyEnlisted)
		}
	}
	t.resources = append(t.resources, r)
	return nil
}

// Enlisted returns the participant for a resource name, or nil.
func (t *Transaction) Enlisted(name string) Resource {
	for _, r := range t.resources {
		if r.Name() == name {
			return r
		}
	}
	return nil
}

// AcquireReadLock takes a read lock on a record for this transaction.
func (t *Transaction) AcquireReadLock(resource string, record uint64) error {
	if t.finished {
		return ErrTxFinished
	}
	return t.m.locks.AcquireRead(t.localID, LockKey{Resource: resource, Record: record})
}

// AcquireWriteLock takes a write lock on a record for this transaction.
func (t *Transaction) AcquireWriteLock(resource string, record uint64) error {
	if t.finished {
		return ErrTxFinished
	}
	return t.m.locks.AcquireWrite(t.localID, LockKey{Resource: resource, Record: record})
}

// Commit runs two-phase commit: prepare every participant, then commit in
// registry order — the graph store first so recovery can rebuild secondary
// indexes from it. The returned map carries the tx id each resource
// assigned.
func (t *Transaction) Commit() (map[string]uint64, error) {
	if t.finished {
		return nil, ErrTxFinished
	}

	// Commit order is registry order regardless of enlistment order.
	ordered := append([]Resource(nil), t.resources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return t.m.registry.OrderOf(ordered[i].Name()) < t.m.registry.OrderOf(ordered[j].Name())
	})

	for _, r := range ordered {
		if err := r.Prepare(); err != nil {
			t.m.logger.Warn("prepare failed, aborting",
				logging.Resource(r.Name()), logging.Error(err))
			t.abort(ordered)
			return nil, fmt.Errorf("prepare failed on %s: %w", r.Name(), err)
		}
	}

	epoch := t.m.epochFn()
	txIDs := make(map[string]uint64, len(ordered))
	for _, r := range ordered {
		txID, err := r.Commit(epoch)
		if err != nil {
			// A commit failure after the first resource committed is
			// resolved by recovery: the graph store's history is the
			// authority and secondary indexes rebuild from it.
			t.finish()
			return txIDs, fmt.Errorf("commit failed on %s: %w", r.Name(), err)
		}
		txIDs[r.Name()] = txID
	}

	t.finish()
	return txIDs, nil
}

// Rollback discards the transaction's buffered commands.
func (t *Transaction) Rollback() error {
	if t.finished {
		return nil
	}
	t.abort(t.resources)
	return nil
}

func (t *Transaction) abort(resources []Resource) {
	for _, r := range resources {
		if err := r.Rollback(); err != nil {
			t.m.logger.Error("rollback failed", logging.Resource(r.Name()), logging.Error(err))
		}
	}
	t.finish()
}

func (t *Transaction) finish() {
	t.finished = true
	t.m.locks.ReleaseAll(t.localID)
	t.m.mu.Lock()
	delete(t.m.active, t.localID)
	t.m.mu.Unlock()
}
