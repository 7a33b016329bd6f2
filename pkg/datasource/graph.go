package datasource

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmontag/arbordb/pkg/command"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/txlog"
)

// GraphSource is the graph store's data source: the record stores plus
// their logical log. It serializes commits into a single total order per
// resource; the assigned tx id reflects that order.
type GraphSource struct {
	ns     *store.NeoStore
	log    *txlog.LogicalLog
	logger logging.Logger

	nextLocal atomic.Uint64

	// commitMu serializes the commit critical section: tx id assignment,
	// log append, and store apply happen as one unit.
	commitMu      sync.Mutex
	lastCommitted uint64
	lastEpoch     uint64
}

// NewGraphSource binds the store and log into a data source. Recover must
// run before the source accepts transactions.
func NewGraphSource(ns *store.NeoStore, log *txlog.LogicalLog, logger logging.Logger) (*GraphSource, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	txID, epoch, err := ns.LastCommittedTx()
	if err != nil {
		return nil, err
	}
	return &GraphSource{
		ns:            ns,
		log:           log,
		logger:        logger.With(logging.Resource(GraphSourceName)),
		lastCommitted: txID,
		lastEpoch:     epoch,
	}, nil
}

// Recover replays the log against the store. Committed transactions that
// were not fully applied are re-applied; dangling ones are discarded.
func (g *GraphSource) Recover() error {
	stats, err := g.log.Recover(func(txID, epoch uint64, commands [][]byte) error {
		for _, raw := range commands {
			cmds, err := command.DecodeList(raw)
			if err != nil {
				return err
			}
			if err := command.ApplyAll(g.ns, cmds); err != nil {
				return err
			}
		}
		if txID > g.lastCommitted {
			g.lastCommitted = txID
			g.lastEpoch = epoch
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("graph source recovery failed: %w", err)
	}
	if stats.Replayed > 0 {
		if err := g.ns.SetLastCommittedTx(g.lastCommitted, g.lastEpoch); err != nil {
			return err
		}
		if err := g.ns.FlushAll(); err != nil {
			return err
		}
	}
	return nil
}

// Name implements DataSource.
func (g *GraphSource) Name() string { return GraphSourceName }

// LastCommittedTxID implements DataSource.
func (g *GraphSource) LastCommittedTxID() uint64 {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()
	return g.lastCommitted
}

// Store exposes the underlying record stores for reads.
func (g *GraphSource) Store() *store.NeoStore { return g.ns }

// Log exposes the logical log for snapshot streaming.
func (g *GraphSource) Log() *txlog.LogicalLog { return g.log }

// ApplyCommitted implements DataSource: it writes the same log records the
// primary wrote, under the primary-assigned tx id, then applies the
// commands to the local store.
func (g *GraphSource) ApplyCommitted(tx txlog.CommittedTx) error {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	if tx.TxID <= g.lastCommitted {
		// Idempotent re-delivery.
		return nil
	}
	if tx.TxID != g.lastCommitted+1 {
		return fmt.Errorf("expected tx %d, got %d: %w", g.lastCommitted+1, tx.TxID, ErrTxGap)
	}

	local := g.nextLocal.Add(1)
	if err := g.log.AppendStart(local); err != nil {
		return err
	}
	for _, raw := range tx.Commands {
		if err := g.log.AppendCommand(local, raw); err != nil {
			return err
		}
	}
	if err := g.log.AppendPrepare(local); err != nil {
		return err
	}
	if err := g.log.AppendCommit(local, txlog.CommitPayload{
		TxID:      tx.TxID,
		Epoch:     tx.Epoch,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	for _, raw := range tx.Commands {
		cmds, err := command.DecodeList(raw)
		if err != nil {
			return err
		}
		if err := command.ApplyAll(g.ns, cmds); err != nil {
			return err
		}
	}

	g.lastCommitted = tx.TxID
	g.lastEpoch = tx.Epoch
	if err := g.ns.SetLastCommittedTx(tx.TxID, tx.Epoch); err != nil {
		return err
	}
	return g.log.AppendDone(local)
}

// Extract implements DataSource.
func (g *GraphSource) Extract(fromTxID uint64) ([]txlog.CommittedTx, error) {
	return g.log.Extract(fromTxID)
}

// MasterEpochFor implements DataSource.
func (g *GraphSource) MasterEpochFor(txID uint64) (uint64, error) {
	return g.log.MasterEpochFor(txID)
}

// SetLastCommitted implements DataSource.
func (g *GraphSource) SetLastCommitted(txID uint64, epoch uint64) error {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()
	g.lastCommitted = txID
	g.lastEpoch = epoch
	return g.ns.SetLastCommittedTx(txID, epoch)
}

// GraphTx is the graph source's per-transaction participant in two-phase
// commit. Commands accumulate here until prepare flushes them to the log.
type GraphTx struct {
	src      *GraphSource
	localID  uint64
	commands []command.Command
	prepared bool
	finished bool
}

// BeginTx opens a participant for one coordinator transaction.
func (g *GraphSource) BeginTx() *GraphTx {
	return &GraphTx{src: g, localID: g.nextLocal.Add(1)}
}

// Name returns the resource name.
func (t *GraphTx) Name() string { return GraphSourceName }

// AddCommand buffers one record mutation.
func (t *GraphTx) AddCommand(c command.Command) {
	t.commands = append(t.commands, c)
}

// Commands returns the buffered commands.
func (t *GraphTx) Commands() []command.Command { return t.commands }

// HasWrites reports whether the transaction mutated anything.
func (t *GraphTx) HasWrites() bool { return len(t.commands) > 0 }

// Prepare flushes the command stream and forces the log.
func (t *GraphTx) Prepare() error {
	if t.finished {
		return fmt.Errorf("transaction already finished")
	}
	if err := t.src.log.AppendStart(t.localID); err != nil {
		return err
	}
	if err := t.src.log.AppendCommand(t.localID, command.EncodeList(t.commands)); err != nil {
		return err
	}
	if err := t.src.log.AppendPrepare(t.localID); err != nil {
		return err
	}
	t.prepared = true
	return nil
}

// Commit assigns the next tx id, writes the durable COMMIT record, applies
// the commands to the store, and marks the transaction DONE.
func (t *GraphTx) Commit(epoch uint64) (uint64, error) {
	if !t.prepared {
		return 0, fmt.Errorf("commit before prepare")
	}
	if t.finished {
		return 0, fmt.Errorf("transaction already finished")
	}

	t.src.commitMu.Lock()
	defer t.src.commitMu.Unlock()

	txID := t.src.lastCommitted + 1
	if err := t.src.log.AppendCommit(t.localID, txlog.CommitPayload{
		TxID:      txID,
		Epoch:     epoch,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return 0, err
	}

	if err := command.ApplyAll(t.src.ns, t.commands); err != nil {
		return 0, err
	}

	t.src.lastCommitted = txID
	t.src.lastEpoch = epoch
	if err := t.src.ns.SetLastCommittedTx(txID, epoch); err != nil {
		return 0, err
	}
	if err := t.src.log.AppendDone(t.localID); err != nil {
		return 0, err
	}
	t.finished = true
	return txID, nil
}

// Rollback discards buffered commands. A prepared transaction writes a
// rollback record so recovery discards it too.
func (t *GraphTx) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	t.commands = nil
	if t.prepared {
		return t.src.log.AppendRollback(t.localID)
	}
	t.src.log.Abandon(t.localID)
	return nil
}
