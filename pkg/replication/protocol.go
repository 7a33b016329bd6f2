// Package replication implements the primary RPC surface and the follower
// client: id allocation, remote locks, forwarded commits, update pulls, and
// full store copies. All integers are big-endian on the wire.
package replication

import (
	"errors"
	"fmt"
)

// Opcode enumerates the primary RPC operations.
type Opcode uint8

const (
	OpAllocateIDs Opcode = iota + 1
	OpAcquireLocks
	OpReleaseLocks
	OpCommit
	OpPullUpdates
	OpCopyStore
	OpMasterEpochFor
	OpLastTx
)

func (o Opcode) String() string {
	switch o {
	case OpAllocateIDs:
		return "ALLOCATE_IDS"
	case OpAcquireLocks:
		return "ACQUIRE_LOCKS"
	case OpReleaseLocks:
		return "RELEASE_LOCKS"
	case OpCommit:
		return "COMMIT"
	case OpPullUpdates:
		return "PULL_UPDATES"
	case OpCopyStore:
		return "COPY_STORE"
	case OpMasterEpochFor:
		return "MASTER_EPOCH_FOR"
	case OpLastTx:
		return "LAST_TX"
	default:
		return "UNKNOWN"
	}
}

// Status is the response status of one RPC.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	// StatusBranched means the follower's (resource, tx_id, epoch) triple
	// disagrees with the primary's history.
	StatusBranched
	// StatusStaleEpoch means the follower's view epoch lags the primary's.
	StatusStaleEpoch
	// StatusNotPrimary means the serving node no longer holds the primary
	// role.
	StatusNotPrimary
)

var (
	// ErrComm marks transient communication failures: timeouts, closed
	// sockets, connection loss. Callers escalate to re-election.
	ErrComm = errors.New("communication failure")

	// ErrBranched surfaces a StatusBranched response.
	ErrBranched = errors.New("branched data detected")

	// ErrStaleEpoch surfaces a StatusStaleEpoch response.
	ErrStaleEpoch = errors.New("stale cluster view epoch")

	// ErrNotPrimary surfaces a StatusNotPrimary response.
	ErrNotPrimary = errors.New("peer is not the primary")
)

// statusErr maps an error status to its sentinel.
func statusErr(s Status, detail string) error {
	switch s {
	case StatusBranched:
		return fmt.Errorf("%s: %w", detail, ErrBranched)
	case StatusStaleEpoch:
		return fmt.Errorf("%s: %w", detail, ErrStaleEpoch)
	case StatusNotPrimary:
		return fmt.Errorf("%s: %w", detail, ErrNotPrimary)
	default:
		return fmt.Errorf("primary returned error: %s", detail)
	}
}

// ResourceState is one (resource, last applied tx, epoch of that tx) entry
// of a follower context.
type ResourceState struct {
	Resource  string
	LastTxID  uint64
	LastEpoch uint64
}

// FollowerContext accompanies every follower request: who is asking, which
// view epoch it believes in, and how far it has applied each resource.
type FollowerContext struct {
	FollowerID int
	EventID    uint64
	Resources  []ResourceState
}

// State returns the entry for a resource.
func (c FollowerContext) State(resource string) (ResourceState, bool) {
	for _, r := range c.Resources {
		if r.Resource == resource {
			return r, true
		}
	}
	return ResourceState{}, false
}

// IDRange is one reserved id range.
type IDRange struct {
	Start  uint64
	Length uint32
}

// LockRequest is one record lock to acquire on the primary.
type LockRequest struct {
	Resource string
	Record   uint64
	Write    bool
}
