package ha

import (
	"sync"

	"github.com/dmontag/arbordb/pkg/replication"
	"github.com/dmontag/arbordb/pkg/store"
)

// idRangeBatch is how many ids a follower reserves per round trip.
const idRangeBatch = 32

// RangeAllocator satisfies the coordinator's id-generation hook on a
// follower: ids come from ranges reserved on the primary and are cached
// per record kind. Caches reset on epoch change so a new primary never
// sees ids reserved under the old one.
type RangeAllocator struct {
	client *replication.Client
	ctxFn  func() replication.FollowerContext

	mu     sync.Mutex
	ranges map[store.Kind][]replication.IDRange
}

// NewRangeAllocator creates an allocator over a primary connection.
func NewRangeAllocator(client *replication.Client, ctxFn func() replication.FollowerContext) *RangeAllocator {
	return &RangeAllocator{
		client: client,
		ctxFn:  ctxFn,
		ranges: make(map[store.Kind][]replication.IDRange),
	}
}

// AllocateID implements tx.IDAllocator.
func (a *RangeAllocator) AllocateID(kind store.Kind) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		ranges := a.ranges[kind]
		for len(ranges) > 0 {
			r := &ranges[0]
			if r.Length == 0 {
				ranges = ranges[1:]
				continue
			}
			id := r.Start
			r.Start++
			r.Length--
			a.ranges[kind] = ranges
			return id, nil
		}

		fresh, err := a.client.AllocateIDs(a.ctxFn(), uint8(kind), idRangeBatch)
		if err != nil {
			return 0, err
		}
		a.ranges[kind] = fresh
	}
}

// Reset drops every cached range.
func (a *RangeAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranges = make(map[store.Kind][]replication.IDRange)
}
