package ha

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/replication"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/txlog"
)

// ErrBranchedData marks divergent history detected against the primary.
var ErrBranchedData = errors.New("local transaction history diverged from primary")

// verifyBranchSafety compares the epoch of the highest common transaction
// per resource, locally and on the primary. Inequality means the two nodes
// committed different history under the same tx id.
func (s *Supervisor) verifyBranchSafety(client *replication.Client) error {
	// Probe calls carry no resource states so the primary's own branch
	// check does not preempt the comparison.
	probe := replication.FollowerContext{
		FollowerID: s.cfg.MachineID,
		EventID:    s.viewEpoch(),
	}

	for _, ds := range s.kernel.Registry().All() {
		local := ds.LastCommittedTxID()
		if local == 0 {
			continue
		}
		primaryLast, err := client.LastTx(probe, ds.Name())
		if err != nil {
			if errors.Is(err, replication.ErrBranched) {
				return fmt.Errorf("%s: %w", ds.Name(), ErrBranchedData)
			}
			return err
		}

		common := local
		if primaryLast < common {
			common = primaryLast
		}
		if common == 0 {
			// Primary has no history: anything local is branched.
			return fmt.Errorf("%s: local has %d txs, primary has none: %w", ds.Name(), local, ErrBranchedData)
		}

		remoteEpoch, err := client.MasterEpochFor(probe, ds.Name(), common)
		if err != nil {
			if errors.Is(err, replication.ErrBranched) {
				return fmt.Errorf("%s: %w", ds.Name(), ErrBranchedData)
			}
			return err
		}
		localEpoch, err := ds.MasterEpochFor(common)
		if err != nil {
			return fmt.Errorf("%s tx %d unknown locally: %w", ds.Name(), common, ErrBranchedData)
		}
		if remoteEpoch != localEpoch {
			return fmt.Errorf("%s tx %d: local epoch %d, primary epoch %d: %w",
				ds.Name(), common, localEpoch, remoteEpoch, ErrBranchedData)
		}
	}
	return nil
}

// quarantineStore moves the divergent store aside under broken-<timestamp>/
// so it stays available for manual inspection.
func (s *Supervisor) quarantineStore() (string, error) {
	if err := s.kernel.CloseStore(); err != nil {
		s.logger.Warn("error closing branched store", logging.Error(err))
	}

	broken := filepath.Join(s.dir, fmt.Sprintf("broken-%s", time.Now().Format("20060102-150405.000")))
	if err := os.MkdirAll(broken, 0755); err != nil {
		return "", fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	patterns := []string{"neostore*", txlog.BaseName + "*"}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			if err := os.Rename(m, filepath.Join(broken, filepath.Base(m))); err != nil {
				return "", fmt.Errorf("failed to quarantine %s: %w", m, err)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.BranchQuarantines.Inc()
	}
	s.logger.Warn("quarantined branched store", logging.Path(broken))
	return broken, nil
}

// fetchStore copies the full store from the primary and opens it.
func (s *Supervisor) fetchStore(client *replication.Client) error {
	ctx := replication.FollowerContext{
		FollowerID: s.cfg.MachineID,
		EventID:    s.viewEpoch(),
	}
	files, lastTx, tail, err := client.CopyStore(ctx)
	if err != nil {
		return err
	}
	if err := datasource.WriteSnapshotFiles(s.dir, files); err != nil {
		return err
	}
	if err := s.kernel.OpenStore(store.Identity{}, false); err != nil {
		return err
	}
	if err := applyStream(s.kernel.Registry(), tail); err != nil {
		return err
	}
	s.logger.Info("copied store from primary",
		logging.TxID(lastTx), logging.Count(len(files)))
	return nil
}
