package cluster

import (
	"fmt"
	"sync"

	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/store"
)

// View is the in-memory cluster view, rebuilt from the broker on demand.
type View struct {
	Epoch     uint64
	PrimaryID int
	Members   []Member
}

// Address returns the published address of a member.
func (v View) Address(machineID int) (string, bool) {
	for _, m := range v.Members {
		if m.ID == machineID {
			return m.Address, true
		}
	}
	return "", false
}

// HasPrimary reports whether the view names a live primary.
func (v View) HasPrimary() bool { return v.PrimaryID != 0 }

// Broker mediates between a node and the coordination service: membership,
// primary election, and the address directory.
type Broker struct {
	coord   CoordinationStore
	cluster string
	self    Member
	logger  logging.Logger

	mu      sync.Mutex
	session Session
}

// NewBroker creates a broker for one node.
func NewBroker(coord CoordinationStore, clusterName string, self Member, logger logging.Logger) *Broker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Broker{
		coord:   coord,
		cluster: clusterName,
		self:    self,
		logger:  logger.With(logging.Component("broker"), logging.MachineID(self.ID)),
	}
}

// Join registers this node with the coordination service.
func (b *Broker) Join() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return nil
	}
	s, err := b.coord.Register(b.cluster, b.self)
	if err != nil {
		return fmt.Errorf("failed to register with coordination service: %w", err)
	}
	b.session = s
	b.logger.Info("joined cluster", logging.String("cluster", b.cluster), logging.Uint64("seq", s.Seq()))
	return nil
}

// Leave removes the node's ephemeral registration.
func (b *Broker) Leave() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Close()
	b.session = nil
	return err
}

// RebindPrimary refreshes this node's registration after a connection loss
// so its address is discoverable again.
func (b *Broker) RebindPrimary() error {
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()
	if session != nil {
		if err := b.Leave(); err != nil {
			return err
		}
	}
	return b.Join()
}

// CreateCluster proposes this node's store identity; whoever registered the
// identity first wins, and all joiners must carry the agreed one.
func (b *Broker) CreateCluster(id store.Identity) (store.Identity, error) {
	agreed, err := b.coord.ProposeStoreID(b.cluster, id)
	if err != nil {
		return store.Identity{}, err
	}
	if !agreed.Equal(id) {
		b.logger.Info("cluster already has a store id",
			logging.String("agreed", agreed.String()),
			logging.String("proposed", id.String()))
	}
	return agreed, nil
}

// StoreID returns the cluster's agreed store identity by proposing the
// local one; callers compare against their own.
func (b *Broker) StoreID(local store.Identity) (store.Identity, error) {
	return b.coord.ProposeStoreID(b.cluster, local)
}

// CurrentView computes the view: the live registration with the smallest
// sequence among electable members is the primary. When the stored primary
// record is stale the broker installs the new primary with epoch+1 behind
// compare-and-set, so at most one node wins each epoch.
func (b *Broker) CurrentView() (View, error) {
	return b.view(false)
}

// ForceReelect runs an election even when the recorded primary is live,
// bumping the epoch.
func (b *Broker) ForceReelect() (View, error) {
	return b.view(true)
}

func (b *Broker) view(force bool) (View, error) {
	b.mu.Lock()
	registered := b.session != nil
	b.mu.Unlock()
	if !registered {
		return View{}, ErrNotRegistered
	}

	for {
		regs, err := b.coord.Live(b.cluster)
		if err != nil {
			return View{}, err
		}

		var candidate *Registration
		for i := range regs {
			if regs[i].Member.Backup {
				continue
			}
			candidate = &regs[i]
			break
		}
		if candidate == nil {
			return View{}, ErrNoCandidates
		}

		cur, exists, err := b.coord.Primary(b.cluster)
		if err != nil {
			return View{}, err
		}

		stale := !exists || !seqLive(regs, cur.Seq) || cur.MachineID != candidate.Member.ID
		if !stale && !force {
			return buildView(cur, regs), nil
		}
		if !stale && force && cur.Seq == candidate.Seq {
			// Re-electing the same live primary still opens a new epoch.
			next := PrimaryRecord{Epoch: cur.Epoch + 1, MachineID: candidate.Member.ID, Seq: candidate.Seq}
			ok, err := b.coord.SetPrimary(b.cluster, cur, next)
			if err != nil {
				return View{}, err
			}
			if ok {
				b.logElection(next)
				return buildView(next, regs), nil
			}
			continue
		}

		next := PrimaryRecord{Epoch: cur.Epoch + 1, MachineID: candidate.Member.ID, Seq: candidate.Seq}
		ok, err := b.coord.SetPrimary(b.cluster, cur, next)
		if err != nil {
			return View{}, err
		}
		if ok {
			b.logElection(next)
			return buildView(next, regs), nil
		}
		// Lost the CAS race: reread and settle on whatever won.
	}
}

func (b *Broker) logElection(rec PrimaryRecord) {
	b.logger.Info("primary elected",
		logging.Int("primary_id", rec.MachineID),
		logging.Epoch(rec.Epoch))
}

func seqLive(regs []Registration, seq uint64) bool {
	for _, r := range regs {
		if r.Seq == seq {
			return true
		}
	}
	return false
}

func buildView(rec PrimaryRecord, regs []Registration) View {
	v := View{Epoch: rec.Epoch, PrimaryID: rec.MachineID}
	for _, r := range regs {
		v.Members = append(v.Members, r.Member)
	}
	return v
}

// IAmPrimary reports whether this node holds the primary role in the
// current view.
func (b *Broker) IAmPrimary() (bool, error) {
	v, err := b.CurrentView()
	if err != nil {
		return false, err
	}
	return v.PrimaryID == b.self.ID, nil
}

// Self returns the member this broker publishes.
func (b *Broker) Self() Member { return b.self }

// Watch exposes cluster change notifications.
func (b *Broker) Watch() <-chan struct{} {
	return b.coord.Watch(b.cluster)
}
