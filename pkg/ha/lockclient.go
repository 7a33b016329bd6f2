package ha

import (
	"github.com/dmontag/arbordb/pkg/replication"
)

// RemoteLockClient takes record locks on the primary for follower
// transactions, keyed by an opaque session token so the primary can reap
// the session if the follower dies.
type RemoteLockClient struct {
	client *replication.Client
	ctxFn  func() replication.FollowerContext
}

// NewRemoteLockClient creates a lock client over a primary connection.
func NewRemoteLockClient(client *replication.Client, ctxFn func() replication.FollowerContext) *RemoteLockClient {
	return &RemoteLockClient{client: client, ctxFn: ctxFn}
}

// Acquire implements kernel.LockClient.
func (c *RemoteLockClient) Acquire(token string, locks []replication.LockRequest) error {
	return c.client.AcquireLocks(c.ctxFn(), token, locks)
}

// Release implements kernel.LockClient.
func (c *RemoteLockClient) Release(token string) error {
	return c.client.ReleaseLocks(c.ctxFn(), token)
}
