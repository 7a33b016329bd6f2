package txlog

import (
	"bufio"
	"fmt"
	"os"

	"github.com/dmontag/arbordb/pkg/logging"
)

// RecoveryStats summarizes what a recovery pass did.
type RecoveryStats struct {
	Replayed  int
	Discarded int
}

// recoveredTx is one transaction reconstructed from the active file.
type recoveredTx struct {
	localID  uint64
	commit   CommitPayload
	commands [][]byte
	hasDone  bool
	order    int // position of the COMMIT entry in the file
}

// Recover scans the active file forward, replays committed transactions
// through apply in commit order, and rewrites the file without dangling
// entries. Transactions with a COMMIT but no DONE are re-applied — apply
// must be idempotent. Transactions without a COMMIT (including rolled-back
// ones) are discarded. Must run before the first append.
func (l *LogicalLog) Recover(apply func(txID, epoch uint64, commands [][]byte) error) (RecoveryStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats RecoveryStats
	if l.closed {
		return stats, ErrLogClosed
	}

	commands := make(map[uint64][][]byte)
	committed := make(map[uint64]*recoveredTx)
	seen := make(map[uint64]bool)
	order := 0

	err := scanFile(l.activePath(), func(e Entry) error {
		seen[e.LocalID] = true
		switch e.Type {
		case EntryCommand:
			commands[e.LocalID] = append(commands[e.LocalID], e.Payload)
		case EntryCommit:
			cp, err := DecodeCommitPayload(e.Payload)
			if err != nil {
				return err
			}
			committed[e.LocalID] = &recoveredTx{
				localID:  e.LocalID,
				commit:   cp,
				commands: commands[e.LocalID],
				order:    order,
			}
			order++
		case EntryDone:
			if tx, ok := committed[e.LocalID]; ok {
				tx.hasDone = true
			}
		case EntryRollback:
			delete(committed, e.LocalID)
			delete(commands, e.LocalID)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("recovery scan failed: %w", err)
	}

	for local := range seen {
		if _, ok := committed[local]; !ok {
			stats.Discarded++
		}
	}

	// Replay in commit order.
	ordered := make([]*recoveredTx, 0, len(committed))
	for _, tx := range committed {
		ordered = append(ordered, tx)
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].order < ordered[i].order {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, tx := range ordered {
		if tx.hasDone {
			continue
		}
		if err := apply(tx.commit.TxID, tx.commit.Epoch, tx.commands); err != nil {
			return stats, fmt.Errorf("failed to replay tx %d: %w", tx.commit.TxID, err)
		}
		stats.Replayed++
	}

	if l.readOnly {
		return stats, nil
	}

	// Rewrite the active file keeping only completed transactions, all
	// marked DONE. Dangling entries and torn tails are dropped with it.
	if err := l.rewriteActive(ordered); err != nil {
		return stats, err
	}

	if stats.Replayed > 0 || stats.Discarded > 0 {
		l.logger.Info("recovered logical log",
			logging.Int("replayed", stats.Replayed),
			logging.Int("discarded", stats.Discarded))
	}
	return stats, nil
}

// rewriteActive atomically replaces the active file. Caller holds the lock.
func (l *LogicalLog) rewriteActive(txs []*recoveredTx) error {
	tmp := l.activePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create recovery file: %w", err)
	}
	if err := writeLogHeader(f, l.version); err != nil {
		f.Close()
		return err
	}
	size := int64(logHeaderSize)
	for _, tx := range txs {
		entries := make([]Entry, 0, len(tx.commands)+4)
		entries = append(entries, Entry{Type: EntryStart, LocalID: tx.localID})
		for _, c := range tx.commands {
			entries = append(entries, Entry{Type: EntryCommand, LocalID: tx.localID, Payload: c})
		}
		entries = append(entries,
			Entry{Type: EntryPrepare, LocalID: tx.localID},
			Entry{Type: EntryCommit, LocalID: tx.localID, Payload: EncodeCommitPayload(tx.commit)},
			Entry{Type: EntryDone, LocalID: tx.localID},
		)
		for _, e := range entries {
			n, err := writeEntry(f, e)
			if err != nil {
				f.Close()
				return fmt.Errorf("failed to rewrite log entry: %w", err)
			}
			size += int64(n)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close pre-recovery log: %w", err)
	}
	if err := os.Rename(tmp, l.activePath()); err != nil {
		return fmt.Errorf("failed to install recovered log: %w", err)
	}
	reopened, err := os.OpenFile(l.activePath(), os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen recovered log: %w", err)
	}
	l.file = reopened
	l.writer = bufio.NewWriter(reopened)
	l.size = size
	return nil
}
