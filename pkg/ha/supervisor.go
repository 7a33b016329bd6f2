package ha

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmontag/arbordb/pkg/cluster"
	"github.com/dmontag/arbordb/pkg/config"
	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/kernel"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/metrics"
	"github.com/dmontag/arbordb/pkg/replication"
	"github.com/dmontag/arbordb/pkg/store"
)

// Role is the node's current configuration.
type Role int

const (
	RolePending Role = iota
	RolePrimary
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleFollower:
		return "follower"
	default:
		return "pending"
	}
}

// defaultTransitionTimeout bounds a role transition before the watchdog
// fires.
const defaultTransitionTimeout = 60 * time.Second

// Options configures a supervisor beyond the node config.
type Options struct {
	Coordination      cluster.CoordinationStore
	Logger            logging.Logger
	Metrics           *metrics.Registry
	TransitionTimeout time.Duration
	RPCTimeout        time.Duration
	// OnFatal is invoked when the node must halt: watchdog expiry,
	// irrecoverable branched data, foreign store. The default records the
	// cause and shuts the engine down.
	OnFatal func(error)
}

// Supervisor owns the node's role: it swaps the local engine between
// primary and follower configurations on every cluster-view change and
// quarantines branched data.
type Supervisor struct {
	cfg     *config.Config
	dir     string
	opts    Options
	logger  logging.Logger
	metrics *metrics.Registry

	kernel *kernel.Kernel
	broker *cluster.Broker

	// latch is the singleton supervisor latch gating role transitions and
	// the in-memory view.
	latch sync.Mutex
	view  cluster.View
	role  Role

	epoch atomic.Uint64

	rpcServer *replication.Primary
	client    *replication.Client
	// clientPtr mirrors client for paths that must not take the latch
	// (the puller loop and the commit hook).
	clientPtr atomic.Pointer[replication.Client]
	allocator *RangeAllocator
	puller    *Puller

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor builds the supervisor and its kernel handle. Start opens
// the store and takes the initial role.
func NewSupervisor(dir string, cfg *config.Config, opts Options) (*Supervisor, error) {
	if opts.Coordination == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.TransitionTimeout <= 0 {
		opts.TransitionTimeout = defaultTransitionTimeout
	}

	s := &Supervisor{
		cfg:     cfg,
		dir:     dir,
		opts:    opts,
		logger:  opts.Logger.With(logging.Component("ha"), logging.MachineID(cfg.MachineID)),
		metrics: opts.Metrics,
		stopCh:  make(chan struct{}),
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) {
			s.logger.Error("fatal failure, shutting down", logging.Error(err))
			s.kernel.Shutdown(err)
		}
		s.opts = opts
	}

	s.kernel = kernel.New(dir, cfg, opts.Logger, opts.Metrics)
	s.broker = cluster.NewBroker(opts.Coordination, cfg.ClusterName,
		cluster.Member{ID: cfg.MachineID, Address: cfg.HAServer, Backup: cfg.BackupSlave},
		opts.Logger)
	return s, nil
}

// Kernel returns the supervised engine handle.
func (s *Supervisor) Kernel() *kernel.Kernel { return s.kernel }

// Broker returns the replication broker.
func (s *Supervisor) Broker() *cluster.Broker { return s.broker }

// Role returns the current role.
func (s *Supervisor) Role() Role {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.role
}

// View returns the current cluster view.
func (s *Supervisor) View() cluster.View {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.view
}

func (s *Supervisor) viewEpoch() uint64 { return s.epoch.Load() }

// IAmPrimary reports whether this node holds the primary role.
func (s *Supervisor) IAmPrimary() bool {
	return s.Role() == RolePrimary
}

// Start joins the cluster, arranges the store (copying it from the primary
// when the directory is empty), and takes the initial role.
func (s *Supervisor) Start() error {
	if err := s.broker.Join(); err != nil {
		return err
	}

	view, err := s.broker.CurrentView()
	if err != nil && !errors.Is(err, cluster.ErrNoCandidates) {
		s.broker.Leave()
		return err
	}

	if err := s.ensureStore(view); err != nil {
		s.broker.Leave()
		return err
	}

	if view.HasPrimary() {
		if err := s.transition(view); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

// ensureStore opens the local store, copying from the primary or minting a
// new cluster identity when the directory is empty.
func (s *Supervisor) ensureStore(view cluster.View) error {
	if store.Exists(s.dir) {
		if err := s.kernel.OpenStore(store.Identity{}, false); err != nil {
			return err
		}
		local, err := s.kernel.Identity()
		if err != nil {
			return err
		}
		agreed, err := s.broker.StoreID(local)
		if err != nil {
			return err
		}
		if !agreed.Equal(local) {
			err := fmt.Errorf("local store %s, cluster agreed on %s: %w",
				local, agreed, cluster.ErrForeignStore)
			s.kernel.Shutdown(err)
			return err
		}
		return nil
	}

	// Empty directory: copy from a live primary if one exists.
	if view.HasPrimary() && view.PrimaryID != s.cfg.MachineID {
		addr, ok := view.Address(view.PrimaryID)
		if !ok {
			return fmt.Errorf("no address published for primary %d", view.PrimaryID)
		}
		client, err := s.dialPrimary(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		return s.fetchStore(client)
	}

	if !s.cfg.AllowInitCluster {
		return fmt.Errorf("store directory empty, no primary to copy from, and allow_init_cluster is false")
	}

	// Bootstrap: mint an identity; whoever's proposal wins defines the
	// cluster's store.
	minted := store.NewIdentity()
	agreed, err := s.broker.CreateCluster(minted)
	if err != nil {
		return err
	}
	if agreed.Equal(minted) {
		return s.kernel.OpenStore(minted, true)
	}

	// Someone else bootstrapped first: fetch their store.
	view, err = s.broker.CurrentView()
	if err != nil {
		return err
	}
	if !view.HasPrimary() || view.PrimaryID == s.cfg.MachineID {
		return fmt.Errorf("cluster store %s exists but no primary serves it", agreed)
	}
	addr, _ := view.Address(view.PrimaryID)
	client, err := s.dialPrimary(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	return s.fetchStore(client)
}

func (s *Supervisor) dialPrimary(addr string) (*replication.Client, error) {
	return replication.NewClient(replication.ClientConfig{
		PrimaryAddr: rpcAddr(addr),
		Timeout:     s.opts.RPCTimeout,
		Logger:      s.logger,
	})
}

// rpcAddr normalizes a host:port into a transport URL.
func rpcAddr(addr string) string {
	if len(addr) > 8 && (addr[:6] == "tcp://" || addr[:9] == "inproc://") {
		return addr
	}
	return "tcp://" + addr
}

// watchLoop reacts to cluster-view changes.
func (s *Supervisor) watchLoop() {
	defer s.wg.Done()
	watch := s.broker.Watch()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-watch:
		case <-ticker.C:
		}

		view, err := s.broker.CurrentView()
		if err != nil {
			if errors.Is(err, cluster.ErrNoCandidates) {
				continue
			}
			s.logger.Warn("failed to fetch cluster view", logging.Error(err))
			continue
		}

		s.latch.Lock()
		changed := view.Epoch != s.view.Epoch || view.PrimaryID != s.view.PrimaryID || s.role == RolePending
		s.latch.Unlock()
		if !changed {
			continue
		}
		if err := s.transition(view); err != nil {
			s.logger.Error("role transition failed", logging.Error(err))
			if Classify(err) == FailureFatal {
				s.fatal(err)
				return
			}
		}
	}
}

// transition swaps the engine into the configuration the view demands. A
// watchdog bounds the transition.
func (s *Supervisor) transition(view cluster.View) error {
	s.latch.Lock()
	defer s.latch.Unlock()

	watchdog := time.AfterFunc(s.opts.TransitionTimeout, func() {
		s.fatal(fmt.Errorf("role transition did not complete within %s", s.opts.TransitionTimeout))
	})
	defer watchdog.Stop()

	started := time.Now()
	prevRole := s.role
	prevEpoch := s.view.Epoch
	prevMembers := s.view.Members

	s.view = view
	s.epoch.Store(view.Epoch)

	var err error
	if view.PrimaryID == s.cfg.MachineID {
		err = s.becomePrimaryLocked(prevRole)
		// Lock sessions of members whose registrations expired are reaped
		// so their record locks do not outlive them.
		if err == nil && s.rpcServer != nil {
			for _, m := range prevMembers {
				if _, still := view.Address(m.ID); !still {
					s.rpcServer.ReleaseFollowerSessions(m.ID)
				}
			}
		}
	} else {
		err = s.becomeFollowerLocked(view, prevRole, prevEpoch)
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ClusterEpoch.Set(float64(view.Epoch))
		s.metrics.SetClusterRole(s.role.String())
		s.metrics.ElectionsTotal.Inc()
		s.metrics.RoleTransitionSeconds.Observe(time.Since(started).Seconds())
	}
	s.logger.Info("role transition complete",
		logging.String("role", s.role.String()),
		logging.Epoch(view.Epoch))
	return nil
}

// becomePrimaryLocked tears down follower resources and starts the primary
// configuration.
func (s *Supervisor) becomePrimaryLocked(prevRole Role) error {
	if prevRole == RolePrimary {
		return nil
	}

	s.stopFollowerResourcesLocked()

	s.kernel.ConfigureLocal(s.viewEpoch)

	server := replication.NewPrimary(replication.PrimaryConfig{
		ListenAddr: rpcAddr(s.cfg.HAServer),
		EpochFn:    s.viewEpoch,
		Logger:     s.logger,
		Metrics:    s.metrics,
	}, s.kernel.Registry(), s.kernel.TxManager(), s.kernel.Store())
	if err := server.Start(); err != nil {
		return err
	}
	s.rpcServer = server
	s.role = RolePrimary
	return nil
}

// becomeFollowerLocked tears down primary resources, verifies branch
// safety, and installs the slave configuration.
func (s *Supervisor) becomeFollowerLocked(view cluster.View, prevRole Role, prevEpoch uint64) error {
	if s.rpcServer != nil {
		s.rpcServer.Stop()
		s.rpcServer = nil
	}

	sameFollower := prevRole == RoleFollower && view.Epoch == prevEpoch
	if sameFollower {
		return nil
	}

	// Epoch changed: cached remote allocations belong to the old reign.
	if s.allocator != nil {
		s.allocator.Reset()
	}
	s.stopFollowerResourcesLocked()

	addr, ok := view.Address(view.PrimaryID)
	if !ok {
		return fmt.Errorf("no address published for primary %d", view.PrimaryID)
	}
	client, err := s.dialPrimary(addr)
	if err != nil {
		return err
	}

	if err := s.verifyBranchSafety(client); err != nil {
		if !errors.Is(err, ErrBranchedData) {
			client.Close()
			return err
		}
		s.logger.Warn("branched data detected", logging.Error(err))
		if _, qErr := s.quarantineStore(); qErr != nil {
			client.Close()
			return qErr
		}
		if err := s.fetchStore(client); err != nil {
			client.Close()
			return err
		}
	}

	s.client = client
	s.clientPtr.Store(client)
	s.allocator = NewRangeAllocator(client, s.followerContext)

	s.kernel.ConfigureSlave(kernel.SlaveMode{
		Allocator: s.allocator,
		Locks:     NewRemoteLockClient(client, s.followerContext),
		Commit:    s.slaveCommit,
		EpochFn:   s.viewEpoch,
		LockToken: func(localTxID uint64) string {
			return fmt.Sprintf("%d/%d", s.cfg.MachineID, localTxID)
		},
	})

	if s.cfg.PullInterval > 0 {
		s.puller = newPuller(s, s.cfg.PullInterval)
		s.puller.Start()
	}
	s.role = RoleFollower
	return nil
}

// stopFollowerResourcesLocked stops the puller and drops the primary
// handle.
func (s *Supervisor) stopFollowerResourcesLocked() {
	if s.puller != nil {
		puller := s.puller
		s.puller = nil
		// The puller may be blocked inside a pull; stop it outside the
		// latch path would deadlock on re-entry, so it stops here while
		// the client is still valid.
		puller.Stop()
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.clientPtr.Store(nil)
	}
}

// followerContext summarizes what this node has applied.
func (s *Supervisor) followerContext() replication.FollowerContext {
	ctx := replication.FollowerContext{
		FollowerID: s.cfg.MachineID,
		EventID:    s.viewEpoch(),
	}
	reg := s.kernel.Registry()
	if reg == nil {
		return ctx
	}
	for _, ds := range reg.All() {
		last := ds.LastCommittedTxID()
		var epoch uint64
		if last > 0 {
			epoch, _ = ds.MasterEpochFor(last)
		}
		ctx.Resources = append(ctx.Resources, replication.ResourceState{
			Resource:  ds.Name(),
			LastTxID:  last,
			LastEpoch: epoch,
		})
	}
	return ctx
}

// slaveCommit is the follower commit hook: forward to the primary, then
// apply the returned stream locally in order.
func (s *Supervisor) slaveCommit(commands [][]byte) (uint64, uint64, error) {
	client := s.clientPtr.Load()
	if client == nil {
		return 0, 0, fmt.Errorf("%w: no primary connection", ErrRetryTransaction)
	}

	txID, epoch, stream, err := client.Commit(s.followerContext(), datasource.GraphSourceName, commands)
	if err != nil {
		s.asyncFailure(err)
		return 0, 0, fmt.Errorf("%v: %w", err, ErrRetryTransaction)
	}
	if err := applyStream(s.kernel.Registry(), stream); err != nil {
		return 0, 0, err
	}
	return txID, epoch, nil
}

// PullUpdates pulls and applies committed transactions the node is
// missing.
func (s *Supervisor) PullUpdates() error {
	client := s.clientPtr.Load()
	if client == nil {
		return fmt.Errorf("%w: no primary connection", ErrRetryTransaction)
	}

	start := time.Now()
	stream, err := client.PullUpdates(s.followerContext())
	if err != nil {
		return err
	}
	if err := applyStream(s.kernel.Registry(), stream); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PullsTotal.Inc()
		s.metrics.PullDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// asyncFailure routes a failure to the supervisor without blocking the
// caller's transaction.
func (s *Supervisor) asyncFailure(err error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleFailure(err)
	}()
}

// handleFailure pattern-matches on the failure kind: communication
// failures drop the primary handle and re-resolve the cluster view, which
// elects a successor only when the primary's registration is gone; branched data
// quarantines and refetches; fatal failures shut the node down.
func (s *Supervisor) handleFailure(err error) {
	f := failure(err)
	s.logger.Warn("handling failure",
		logging.String("kind", f.Kind.String()), logging.Error(f.Err))

	switch f.Kind {
	case FailureComm, FailurePrimaryLost:
		s.latch.Lock()
		s.stopFollowerResourcesLocked()
		s.role = RolePending
		s.latch.Unlock()

		// CurrentView elects a new primary when the recorded one's
		// registration is gone; a live primary after a network blip keeps
		// its epoch and the node just reconnects.
		view, verr := s.broker.CurrentView()
		if verr != nil {
			s.logger.Error("re-election failed", logging.Error(verr))
			return
		}
		if terr := s.transition(view); terr != nil {
			s.logger.Error("transition after re-election failed", logging.Error(terr))
			if Classify(terr) == FailureFatal {
				s.fatal(terr)
			}
		}
	case FailureBranched:
		s.latch.Lock()
		defer s.latch.Unlock()
		if s.client == nil {
			return
		}
		if _, qErr := s.quarantineStore(); qErr != nil {
			s.fatal(qErr)
			return
		}
		if fErr := s.fetchStore(s.client); fErr != nil {
			s.fatal(fErr)
		}
	case FailureFatal:
		s.fatal(err)
	}
}

func (s *Supervisor) fatal(err error) {
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}

// PruneLogs removes retained logical logs every live follower has applied
// past. Only meaningful on the primary.
func (s *Supervisor) PruneLogs() error {
	s.latch.Lock()
	server := s.rpcServer
	s.latch.Unlock()
	if server == nil {
		return nil
	}
	applied, ok := server.MinAppliedTx(datasource.GraphSourceName)
	if !ok {
		return nil
	}
	return s.kernel.Graph().Log().Prune(applied)
}

// Stop shuts the node down in order: watch loop, puller, RPC server,
// broker registration, then the engine.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.latch.Lock()
	puller := s.puller
	s.puller = nil
	server := s.rpcServer
	s.rpcServer = nil
	client := s.client
	s.client = nil
	s.clientPtr.Store(nil)
	s.latch.Unlock()

	var g errgroup.Group
	if puller != nil {
		g.Go(func() error { puller.Stop(); return nil })
	}
	if server != nil {
		g.Go(func() error { return server.Stop() })
	}
	g.Wait()
	if client != nil {
		client.Close()
	}

	s.wg.Wait()
	s.broker.Leave()
	return s.kernel.Shutdown(nil)
}
