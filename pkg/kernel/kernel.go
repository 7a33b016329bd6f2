// Package kernel ties the core together into an embeddable engine: record
// stores, logical log, transaction coordinator, and data-source registry,
// with the commit and allocation paths swappable between primary and
// follower configurations.
package kernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dmontag/arbordb/pkg/config"
	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/metrics"
	"github.com/dmontag/arbordb/pkg/replication"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/tx"
	"github.com/dmontag/arbordb/pkg/txlog"
)

var (
	// ErrNotStarted is returned before the store is open.
	ErrNotStarted = errors.New("kernel store is not open")

	// ErrShutdown wraps the recorded cause once the kernel is down.
	ErrShutdown = errors.New("kernel has shut down")

	// ErrReadOnlyKernel is returned for write transactions on a read-only
	// node.
	ErrReadOnlyKernel = errors.New("kernel is read-only")
)

// LockClient acquires record locks on the primary for follower
// transactions.
type LockClient interface {
	Acquire(token string, locks []replication.LockRequest) error
	Release(token string) error
}

// SlaveCommitFunc forwards a prepared command stream to the primary and
// applies the returned stream locally before returning.
type SlaveCommitFunc func(commands [][]byte) (txID uint64, epoch uint64, err error)

// SlaveMode carries the follower configuration installed by the lifecycle
// supervisor.
type SlaveMode struct {
	Allocator tx.IDAllocator
	Locks     LockClient
	Commit    SlaveCommitFunc
	EpochFn   func() uint64
	// LockToken builds the primary-side lock session token for a local
	// transaction.
	LockToken func(localTxID uint64) string
}

// Kernel is the explicit handle to one embedded database engine.
type Kernel struct {
	cfg     *config.Config
	dir     string
	logger  logging.Logger
	metrics *metrics.Registry

	mu sync.RWMutex // guards engine state and mode swaps

	ns       *store.NeoStore
	log      *txlog.LogicalLog
	graph    *datasource.GraphSource
	registry *datasource.Registry
	locks    *tx.LockManager
	txm      *tx.Manager
	tokens   *tokenCache

	slave   *SlaveMode // nil in primary/standalone configuration
	epochFn func() uint64

	shutdownCause error
}

// New creates a kernel handle without opening the store.
func New(dir string, cfg *config.Config, logger logging.Logger, m *metrics.Registry) *Kernel {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Kernel{
		cfg:     cfg,
		dir:     dir,
		logger:  logger.With(logging.Component("kernel")),
		metrics: m,
		epochFn: func() uint64 { return 0 },
	}
}

// Open creates a standalone engine: open (or create) the store, recover,
// and configure local allocation and commits.
func Open(dir string, cfg *config.Config, logger logging.Logger, m *metrics.Registry) (*Kernel, error) {
	k := New(dir, cfg, logger, m)
	if err := k.OpenStore(store.Identity{}, true); err != nil {
		return nil, err
	}
	return k, nil
}

// OpenStore opens the store files and logical log, runs recovery, and
// builds the registry and coordinator. identity forces the store id of a
// newly created store (store copies carry the cluster's agreed identity).
func (k *Kernel) OpenStore(identity store.Identity, allowCreate bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.shutdownCause != nil {
		return fmt.Errorf("%w: %v", ErrShutdown, k.shutdownCause)
	}
	if k.ns != nil {
		return fmt.Errorf("store already open")
	}

	ns, err := store.Open(k.dir, store.Options{
		UseMmap:     k.cfg.UseMemoryMappedBuffers,
		ReadOnly:    k.cfg.ReadOnly,
		AllowCreate: allowCreate && !k.cfg.ReadOnly,
		Identity:    identity,
		Logger:      k.logger,
	})
	if err != nil {
		return err
	}

	log, err := txlog.Open(k.dir, txlog.Options{
		KeepLogs: k.cfg.KeepLogicalLogs,
		ReadOnly: k.cfg.ReadOnly,
		Logger:   k.logger,
	})
	if err != nil {
		ns.Close()
		return err
	}

	graph, err := datasource.NewGraphSource(ns, log, k.logger)
	if err != nil {
		log.Close()
		ns.Close()
		return err
	}
	if err := graph.Recover(); err != nil {
		log.Close()
		ns.Close()
		return err
	}

	tokens, err := loadTokens(ns)
	if err != nil {
		log.Close()
		ns.Close()
		return err
	}

	registry := datasource.NewRegistry()
	if err := registry.Register(graph); err != nil {
		log.Close()
		ns.Close()
		return err
	}

	locks := tx.NewLockManager()

	k.ns = ns
	k.log = log
	k.graph = graph
	k.registry = registry
	k.locks = locks
	k.txm = tx.NewManager(registry, locks, func() uint64 { return k.currentEpoch() }, k.logger)
	k.tokens = tokens
	return nil
}

// CloseStore tears the engine down: coordinator drained, log forced, store
// flushed, free-lists rewritten.
func (k *Kernel) CloseStore() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closeStoreLocked()
}

func (k *Kernel) closeStoreLocked() error {
	if k.ns == nil {
		return nil
	}
	if k.locks != nil {
		k.locks.Close()
	}
	var firstErr error
	if err := k.log.Close(); err != nil {
		firstErr = err
	}
	if err := k.ns.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	k.ns = nil
	k.log = nil
	k.graph = nil
	k.registry = nil
	k.locks = nil
	k.txm = nil
	k.tokens = nil
	return firstErr
}

// ConfigureLocal installs the primary/standalone configuration: local
// allocators, local locks, local two-phase commit.
func (k *Kernel) ConfigureLocal(epochFn func() uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.slave = nil
	if epochFn != nil {
		k.epochFn = epochFn
	}
}

// ConfigureSlave installs the follower configuration: remote allocators,
// remote locks, and the slave-commit hook.
func (k *Kernel) ConfigureSlave(mode SlaveMode) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m := mode
	k.slave = &m
	if mode.EpochFn != nil {
		k.epochFn = mode.EpochFn
	}
}

func (k *Kernel) currentEpoch() uint64 {
	return k.epochFn()
}

// Shutdown closes the engine and records the cause; every later call
// surfaces it.
func (k *Kernel) Shutdown(cause error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.closeStoreLocked()
	if k.shutdownCause == nil {
		if cause == nil {
			cause = fmt.Errorf("clean shutdown")
		}
		k.shutdownCause = cause
	}
	return err
}

// ShutdownCause returns the recorded cause, if any.
func (k *Kernel) ShutdownCause() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.shutdownCause
}

func (k *Kernel) ready() error {
	if k.shutdownCause != nil {
		return fmt.Errorf("%w: %v", ErrShutdown, k.shutdownCause)
	}
	if k.ns == nil {
		return ErrNotStarted
	}
	return nil
}

// Dir returns the store directory.
func (k *Kernel) Dir() string { return k.dir }

// Identity returns the store identity.
func (k *Kernel) Identity() (store.Identity, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.ready(); err != nil {
		return store.Identity{}, err
	}
	return k.ns.Identity(), nil
}

// Graph returns the graph data source.
func (k *Kernel) Graph() *datasource.GraphSource {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.graph
}

// Registry returns the data-source registry.
func (k *Kernel) Registry() *datasource.Registry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.registry
}

// TxManager returns the transaction coordinator.
func (k *Kernel) TxManager() *tx.Manager {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.txm
}

// Store returns the record stores.
func (k *Kernel) Store() *store.NeoStore {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.ns
}

// allocateID reserves one id, locally or from the primary's ranges.
func (k *Kernel) allocateID(kind store.Kind) (uint64, error) {
	k.mu.RLock()
	slave := k.slave
	ns := k.ns
	k.mu.RUnlock()
	if slave != nil && slave.Allocator != nil {
		id, err := slave.Allocator.AllocateID(kind)
		if err != nil {
			return 0, err
		}
		// Keep the local high mark covering remote ids so reads and scans
		// see the slot.
		ns.Store(kind).EnsureHigh(id + 1)
		return id, nil
	}
	if k.metrics != nil {
		k.metrics.IDAllocationsTotal.WithLabelValues(kind.String()).Inc()
	}
	return ns.AllocateID(kind)
}

// refreshTokens reloads the token tables from the store; followers pick up
// replicated token changes this way.
func (k *Kernel) refreshTokens() error {
	k.mu.RLock()
	ns := k.ns
	k.mu.RUnlock()
	if ns == nil {
		return ErrNotStarted
	}
	tokens, err := loadTokens(ns)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.tokens = tokens
	k.mu.Unlock()
	return nil
}
