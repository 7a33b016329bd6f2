// Package ha implements the follower runtime and the lifecycle supervisor:
// role transitions around the elected primary, branched-data quarantine,
// and the background update puller.
package ha

import (
	"errors"
	"fmt"

	"github.com/dmontag/arbordb/pkg/cluster"
	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/replication"
)

// FailureKind classifies errors crossing the RPC boundary; the supervisor
// switches on it to decide between re-election and shutdown.
type FailureKind int

const (
	// FailureComm is a transient communication failure. It is not retried
	// and there is no backoff: the supervisor drops the primary connection
	// and re-resolves the cluster view at once.
	FailureComm FailureKind = iota + 1
	// FailurePrimaryLost means the primary role moved; transactions fail
	// retryably until the new primary is known.
	FailurePrimaryLost
	// FailureBranched means local history diverged from the primary's.
	FailureBranched
	// FailureFatal halts the node: corrupted store, foreign store id, lost
	// quorum.
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureComm:
		return "comm"
	case FailurePrimaryLost:
		return "primary-lost"
	case FailureBranched:
		return "branched"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Failure is a typed result carrying kind plus cause.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrRetryTransaction is surfaced to clients whose transaction died in a
// role transition; the operation is safe to retry once a primary is known.
var ErrRetryTransaction = errors.New("transaction failed in role transition, retry")

// Classify maps an error to its failure kind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, replication.ErrBranched):
		return FailureBranched
	case errors.Is(err, datasource.ErrTxGap):
		// A gap means missed history, not divergence; re-pull handles it.
		return FailureComm
	case errors.Is(err, replication.ErrNotPrimary), errors.Is(err, replication.ErrStaleEpoch):
		return FailurePrimaryLost
	case errors.Is(err, replication.ErrComm):
		return FailureComm
	case errors.Is(err, cluster.ErrForeignStore):
		return FailureFatal
	default:
		return FailureFatal
	}
}

func failure(err error) *Failure {
	return &Failure{Kind: Classify(err), Err: err}
}
