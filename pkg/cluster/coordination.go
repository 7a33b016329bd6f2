// Package cluster provides the replication broker: membership, primary
// election, and the address directory, on top of an externalized
// coordination service with ephemeral sequential registrations.
package cluster

import (
	"errors"
	"sync"

	"github.com/dmontag/arbordb/pkg/store"
)

var (
	// ErrNotRegistered is returned when broker operations run before Join.
	ErrNotRegistered = errors.New("node is not registered with the coordination service")

	// ErrNoCandidates is returned when no electable member is live.
	ErrNoCandidates = errors.New("no electable cluster members")

	// ErrForeignStore is returned when a node's store identity disagrees
	// with the cluster's agreed identity.
	ErrForeignStore = errors.New("store id does not match cluster")
)

// Member describes one node as published in the coordination service.
type Member struct {
	ID      int
	Address string
	// Backup nodes replicate but never stand for election.
	Backup bool
}

// Registration is a live ephemeral sequential registration.
type Registration struct {
	Seq    uint64
	Member Member
}

// PrimaryRecord is the agreed primary for an epoch, stored behind
// compare-and-set so at most one node wins each epoch.
type PrimaryRecord struct {
	Epoch     uint64
	MachineID int
	Seq       uint64
}

// Session is a live registration handle; closing it removes the ephemeral
// registration, as a session expiry would in the external service.
type Session interface {
	Seq() uint64
	Close() error
}

// CoordinationStore abstracts the strongly consistent membership store the
// election is externalized to: ephemeral sequential registrations,
// compare-and-set records, and change notification. MemoryCoordination
// backs embedded clusters and the test suite; deployments implement the
// same interface against their coordination service.
type CoordinationStore interface {
	// Register adds an ephemeral sequential registration.
	Register(cluster string, m Member) (Session, error)
	// Live returns current registrations ordered by ascending sequence.
	Live(cluster string) ([]Registration, error)
	// Primary returns the current primary record, if any.
	Primary(cluster string) (PrimaryRecord, bool, error)
	// SetPrimary installs next if the stored record still equals expect.
	SetPrimary(cluster string, expect PrimaryRecord, next PrimaryRecord) (bool, error)
	// ProposeStoreID submits a store identity; the first proposal wins and
	// every later caller receives the agreed identity.
	ProposeStoreID(cluster string, id store.Identity) (store.Identity, error)
	// Watch returns a channel that receives a tick on any cluster change.
	Watch(cluster string) <-chan struct{}
}

// MemoryCoordination is the in-process CoordinationStore.
type MemoryCoordination struct {
	mu       sync.Mutex
	clusters map[string]*memCluster
}

type memCluster struct {
	nextSeq  uint64
	regs     map[uint64]Member
	primary  PrimaryRecord
	hasPrime bool
	storeID  store.Identity
	hasStore bool
	watchers []chan struct{}
}

// NewMemoryCoordination creates an empty in-process coordination store.
func NewMemoryCoordination() *MemoryCoordination {
	return &MemoryCoordination{clusters: make(map[string]*memCluster)}
}

func (mc *MemoryCoordination) cluster(name string) *memCluster {
	c, ok := mc.clusters[name]
	if !ok {
		c = &memCluster{nextSeq: 1, regs: make(map[uint64]Member)}
		mc.clusters[name] = c
	}
	return c
}

func (c *memCluster) notify() {
	for _, w := range c.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

type memSession struct {
	mc      *MemoryCoordination
	cluster string
	seq     uint64
	closed  bool
	mu      sync.Mutex
}

func (s *memSession) Seq() uint64 { return s.seq }

func (s *memSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.mc.mu.Lock()
	defer s.mc.mu.Unlock()
	c := s.mc.cluster(s.cluster)
	delete(c.regs, s.seq)
	c.notify()
	return nil
}

// Register implements CoordinationStore.
func (mc *MemoryCoordination) Register(cluster string, m Member) (Session, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.cluster(cluster)
	seq := c.nextSeq
	c.nextSeq++
	c.regs[seq] = m
	c.notify()
	return &memSession{mc: mc, cluster: cluster, seq: seq}, nil
}

// Live implements CoordinationStore.
func (mc *MemoryCoordination) Live(cluster string) ([]Registration, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.cluster(cluster)
	out := make([]Registration, 0, len(c.regs))
	for seq, m := range c.regs {
		out = append(out, Registration{Seq: seq, Member: m})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Seq < out[i].Seq {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// Primary implements CoordinationStore.
func (mc *MemoryCoordination) Primary(cluster string) (PrimaryRecord, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.cluster(cluster)
	return c.primary, c.hasPrime, nil
}

// SetPrimary implements CoordinationStore.
func (mc *MemoryCoordination) SetPrimary(cluster string, expect PrimaryRecord, next PrimaryRecord) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.cluster(cluster)
	if c.hasPrime && c.primary != expect {
		return false, nil
	}
	if !c.hasPrime && expect != (PrimaryRecord{}) {
		return false, nil
	}
	c.primary = next
	c.hasPrime = true
	c.notify()
	return true, nil
}

// ProposeStoreID implements CoordinationStore.
func (mc *MemoryCoordination) ProposeStoreID(cluster string, id store.Identity) (store.Identity, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.cluster(cluster)
	if !c.hasStore {
		c.storeID = id
		c.hasStore = true
	}
	return c.storeID, nil
}

// Watch implements CoordinationStore.
func (mc *MemoryCoordination) Watch(cluster string) <-chan struct{} {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := mc.cluster(cluster)
	ch := make(chan struct{}, 1)
	c.watchers = append(c.watchers, ch)
	return ch
}
