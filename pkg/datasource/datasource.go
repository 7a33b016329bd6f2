// Package datasource defines the named recoverable resources that
// participate in transactions and replication: each carries its own log,
// its last committed transaction id, and a transferable history.
package datasource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dmontag/arbordb/pkg/txlog"
)

var (
	// ErrTxGap is returned when a committed transaction is applied out of
	// order: applying N+2 before N+1 must fail so the follower re-requests
	// from last+1.
	ErrTxGap = errors.New("transaction apply gap")

	// ErrUnknownSource is returned for lookups of unregistered sources.
	ErrUnknownSource = errors.New("unknown data source")

	// ErrDuplicateSource is returned when registering a name twice.
	ErrDuplicateSource = errors.New("data source already registered")
)

// GraphSourceName is the well-known name of the graph store resource. It is
// always registered first so it commits before secondary indexes.
const GraphSourceName = "graphdb"

// DataSource is a named participating resource with recoverable state.
type DataSource interface {
	// Name returns the registry name of this source.
	Name() string
	// LastCommittedTxID returns the highest applied transaction id.
	LastCommittedTxID() uint64
	// ApplyCommitted applies an already-committed transaction. It is
	// idempotent (re-applying at or below the last id is a no-op) and
	// refuses gaps with ErrTxGap.
	ApplyCommitted(tx txlog.CommittedTx) error
	// Extract returns every committed transaction above fromTxID in order.
	Extract(fromTxID uint64) ([]txlog.CommittedTx, error)
	// MasterEpochFor returns the primary epoch that produced a committed
	// transaction.
	MasterEpochFor(txID uint64) (uint64, error)
	// SetLastCommitted overrides the applied position, used after a full
	// store copy.
	SetLastCommitted(txID uint64, epoch uint64) error
}

// Registry holds the participating data sources in commit order: the graph
// store first, secondary indexes after, in registration order.
type Registry struct {
	mu      sync.RWMutex
	ordered []string
	sources *xsync.MapOf[string, DataSource]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: xsync.NewMapOf[string, DataSource]()}
}

// Register adds a source. Registration order defines commit order.
func (r *Registry) Register(ds DataSource) error {
	if _, loaded := r.sources.LoadOrStore(ds.Name(), ds); loaded {
		return fmt.Errorf("%s: %w", ds.Name(), ErrDuplicateSource)
	}
	r.mu.Lock()
	r.ordered = append(r.ordered, ds.Name())
	r.mu.Unlock()
	return nil
}

// Unregister removes a source.
func (r *Registry) Unregister(name string) {
	r.sources.Delete(name)
	r.mu.Lock()
	for i, n := range r.ordered {
		if n == name {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// Get returns a source by name.
func (r *Registry) Get(name string) (DataSource, error) {
	ds, ok := r.sources.Load(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownSource)
	}
	return ds, nil
}

// All returns the sources in commit order.
func (r *Registry) All() []DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataSource, 0, len(r.ordered))
	for _, name := range r.ordered {
		if ds, ok := r.sources.Load(name); ok {
			out = append(out, ds)
		}
	}
	return out
}

// Names returns the registered names in commit order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ordered...)
}

// OrderOf returns a source's position in commit order, or -1.
func (r *Registry) OrderOf(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, n := range r.ordered {
		if n == name {
			return i
		}
	}
	return -1
}
