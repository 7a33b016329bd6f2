package replication

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	// Register transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/metrics"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/tx"
	"github.com/dmontag/arbordb/pkg/txlog"
)

// PrimaryConfig configures the primary RPC server.
type PrimaryConfig struct {
	// ListenAddr is the ha_server address, e.g. "tcp://127.0.0.1:6001".
	ListenAddr string
	// EpochFn returns the current view epoch; requests from other epochs
	// are fenced.
	EpochFn func() uint64
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// remoteLockWait bounds how long a remote lock acquisition may hold the
// serve loop.
const remoteLockWait = 5 * time.Second

// Primary serves followers: allocate ids, acquire locks, commit forwarded
// transactions, stream missing history, ship full store copies. Commits
// are serialized into a single total order per resource.
type Primary struct {
	cfg      PrimaryConfig
	registry *datasource.Registry
	txm      *tx.Manager
	ns       *store.NeoStore
	logger   logging.Logger

	sock mangos.Socket

	mu sync.Mutex
	// lockSessions maps a follower lock token to the server-side
	// transaction holding its locks.
	lockSessions map[string]uint64
	// progress tracks per-follower applied positions, feeding log pruning.
	progress map[int]map[string]uint64
	running  bool
	wg       sync.WaitGroup
}

// NewPrimary creates a primary RPC server over the registry.
func NewPrimary(cfg PrimaryConfig, registry *datasource.Registry, txm *tx.Manager, ns *store.NeoStore) *Primary {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.EpochFn == nil {
		cfg.EpochFn = func() uint64 { return 0 }
	}
	return &Primary{
		cfg:          cfg,
		registry:     registry,
		txm:          txm,
		ns:           ns,
		logger:       cfg.Logger.With(logging.Component("primary-rpc")),
		lockSessions: make(map[string]uint64),
		progress:     make(map[int]map[string]uint64),
	}
}

// Start binds the REP socket and serves requests until Stop.
func (p *Primary) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("primary rpc server already running")
	}
	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("failed to create REP socket: %w", err)
	}
	if err := sock.Listen(p.cfg.ListenAddr); err != nil {
		sock.Close()
		return fmt.Errorf("failed to bind %s: %w", p.cfg.ListenAddr, err)
	}
	p.sock = sock
	p.running = true

	p.wg.Add(1)
	go p.serve()

	p.logger.Info("primary rpc server started", logging.String("addr", p.cfg.ListenAddr))
	return nil
}

// Stop closes the socket and releases every remote lock session.
func (p *Primary) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	sock := p.sock
	sessions := p.lockSessions
	p.lockSessions = make(map[string]uint64)
	p.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	for _, localID := range sessions {
		p.txm.Locks().ReleaseAll(localID)
	}
	p.wg.Wait()
	p.logger.Info("primary rpc server stopped")
	return nil
}

func (p *Primary) serve() {
	defer p.wg.Done()
	for {
		msg, err := p.sock.Recv()
		if err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if !running {
				return
			}
			p.logger.Warn("recv failed", logging.Error(err))
			continue
		}
		resp := p.handle(msg)
		if err := p.sock.Send(resp); err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if !running {
				return
			}
			p.logger.Warn("send failed", logging.Error(err))
		}
	}
}

func (p *Primary) handle(data []byte) []byte {
	req, args, err := decodeRequest(data)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RPCRequestsTotal.WithLabelValues(req.Op.String()).Inc()
	}

	// Epoch fencing: a lagging follower must refresh its view before the
	// primary serves it.
	if req.Context.EventID != 0 && req.Context.EventID < p.cfg.EpochFn() {
		return encodeErrorResponse(StatusStaleEpoch,
			fmt.Sprintf("view epoch %d behind primary epoch %d", req.Context.EventID, p.cfg.EpochFn()))
	}

	// Branch safety: refuse any follower whose history diverged.
	if req.Op != OpCopyStore {
		if err := p.checkBranch(req.Context); err != nil {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.BranchRejectionsTotal.Inc()
			}
			return encodeErrorResponse(StatusBranched, err.Error())
		}
	}

	p.recordProgress(req.Context)

	switch req.Op {
	case OpAllocateIDs:
		return p.handleAllocateIDs(args)
	case OpAcquireLocks:
		return p.handleAcquireLocks(args)
	case OpReleaseLocks:
		return p.handleReleaseLocks(args)
	case OpCommit:
		return p.handleCommit(req.Context, args)
	case OpPullUpdates:
		return p.handlePullUpdates(req.Context)
	case OpCopyStore:
		return p.handleCopyStore()
	case OpMasterEpochFor:
		return p.handleMasterEpochFor(args)
	case OpLastTx:
		return p.handleLastTx(args)
	default:
		return encodeErrorResponse(StatusError, fmt.Sprintf("unknown opcode %d", req.Op))
	}
}

// checkBranch verifies that each (resource, tx_id, epoch) the follower
// claims agrees with the primary's history.
func (p *Primary) checkBranch(ctx FollowerContext) error {
	for _, rs := range ctx.Resources {
		if rs.LastTxID == 0 {
			continue
		}
		ds, err := p.registry.Get(rs.Resource)
		if err != nil {
			return err
		}
		if rs.LastTxID > ds.LastCommittedTxID() {
			return fmt.Errorf("follower %d ahead of primary on %s (%d > %d)",
				ctx.FollowerID, rs.Resource, rs.LastTxID, ds.LastCommittedTxID())
		}
		epoch, err := ds.MasterEpochFor(rs.LastTxID)
		if err != nil {
			return fmt.Errorf("follower %d references unknown tx %d on %s",
				ctx.FollowerID, rs.LastTxID, rs.Resource)
		}
		if epoch != rs.LastEpoch {
			return fmt.Errorf("follower %d epoch mismatch on %s tx %d: local %d, claimed %d",
				ctx.FollowerID, rs.Resource, rs.LastTxID, epoch, rs.LastEpoch)
		}
	}
	return nil
}

func (p *Primary) recordProgress(ctx FollowerContext) {
	if ctx.FollowerID == 0 || len(ctx.Resources) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.progress[ctx.FollowerID]
	if !ok {
		m = make(map[string]uint64)
		p.progress[ctx.FollowerID] = m
	}
	for _, rs := range ctx.Resources {
		if rs.LastTxID > m[rs.Resource] {
			m[rs.Resource] = rs.LastTxID
		}
	}
}

// MinAppliedTx returns the lowest applied position across tracked
// followers for a resource; the log can be pruned up to it.
func (p *Primary) MinAppliedTx(resource string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		minTx uint64
		found bool
	)
	for _, m := range p.progress {
		v := m[resource]
		if !found || v < minTx {
			minTx = v
			found = true
		}
	}
	return minTx, found
}

// missingFor collects every committed transaction the follower lacks.
func (p *Primary) missingFor(ctx FollowerContext) ([]TxStreamEntry, error) {
	var out []TxStreamEntry
	for _, ds := range p.registry.All() {
		from := uint64(0)
		if rs, ok := ctx.State(ds.Name()); ok {
			from = rs.LastTxID
		}
		txs, err := ds.Extract(from)
		if err != nil {
			return nil, err
		}
		for _, t := range txs {
			out = append(out, TxStreamEntry{Resource: ds.Name(), Tx: t})
		}
	}
	return out, nil
}

func (p *Primary) handleAllocateIDs(args *bytes.Reader) []byte {
	kind, err := readUint8(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad allocate args")
	}
	n, err := readUint32(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad allocate args")
	}

	// Ids come off the primary's allocator; contiguous runs compress into
	// ranges.
	ids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := p.ns.AllocateID(store.Kind(kind))
		if err != nil {
			return encodeErrorResponse(StatusError, err.Error())
		}
		ids = append(ids, id)
	}
	ranges := compressRanges(ids)

	var result bytes.Buffer
	writeUint32(&result, uint32(len(ranges)))
	for _, r := range ranges {
		writeUint64(&result, r.Start)
		writeUint32(&result, r.Length)
	}
	return encodeResponse(StatusOK, nil, result.Bytes())
}

func compressRanges(ids []uint64) []IDRange {
	var ranges []IDRange
	for _, id := range ids {
		if n := len(ranges); n > 0 && ranges[n-1].Start+uint64(ranges[n-1].Length) == id {
			ranges[n-1].Length++
			continue
		}
		ranges = append(ranges, IDRange{Start: id, Length: 1})
	}
	return ranges
}

func (p *Primary) handleAcquireLocks(args *bytes.Reader) []byte {
	token, err := readString(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad lock args")
	}
	n, err := readUint32(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad lock args")
	}

	p.mu.Lock()
	localID, ok := p.lockSessions[token]
	if !ok {
		localID = p.txm.Begin().LocalID()
		p.lockSessions[token] = localID
	}
	p.mu.Unlock()

	for i := uint32(0); i < n; i++ {
		resource, err := readString(args)
		if err != nil {
			return encodeErrorResponse(StatusError, "bad lock args")
		}
		record, err := readUint64(args)
		if err != nil {
			return encodeErrorResponse(StatusError, "bad lock args")
		}
		write, err := readBool(args)
		if err != nil {
			return encodeErrorResponse(StatusError, "bad lock args")
		}
		// Bounded waits: the REP loop serves one request at a time, so an
		// unbounded lock wait would stall every follower including the
		// one whose release would resolve it.
		key := tx.LockKey{Resource: resource, Record: record}
		if write {
			err = p.txm.Locks().AcquireWriteTimeout(localID, key, remoteLockWait)
		} else {
			err = p.txm.Locks().AcquireReadTimeout(localID, key, remoteLockWait)
		}
		if err != nil {
			p.releaseSession(token)
			return encodeErrorResponse(StatusError, err.Error())
		}
	}

	var result bytes.Buffer
	writeString(&result, token)
	return encodeResponse(StatusOK, nil, result.Bytes())
}

func (p *Primary) handleReleaseLocks(args *bytes.Reader) []byte {
	token, err := readString(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad release args")
	}
	p.releaseSession(token)
	return encodeResponse(StatusOK, nil, nil)
}

func (p *Primary) releaseSession(token string) {
	p.mu.Lock()
	localID, ok := p.lockSessions[token]
	delete(p.lockSessions, token)
	p.mu.Unlock()
	if ok {
		p.txm.Locks().ReleaseAll(localID)
	}
}

// ReleaseFollowerSessions reaps every lock session of a departed follower.
// Tokens are prefixed with the follower id.
func (p *Primary) ReleaseFollowerSessions(followerID int) {
	prefix := fmt.Sprintf("%d/", followerID)
	p.mu.Lock()
	var victims []string
	for token := range p.lockSessions {
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			victims = append(victims, token)
		}
	}
	p.mu.Unlock()
	for _, t := range victims {
		p.releaseSession(t)
	}
}

func (p *Primary) handleCommit(ctx FollowerContext, args *bytes.Reader) []byte {
	resource, err := readString(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad commit args")
	}
	n, err := readUint32(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad commit args")
	}
	commands := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		c, err := readByteSlice(args)
		if err != nil {
			return encodeErrorResponse(StatusError, "bad commit args")
		}
		commands = append(commands, c)
	}

	ds, err := p.registry.Get(resource)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}
	committer, ok := ds.(datasource.Committer)
	if !ok {
		return encodeErrorResponse(StatusError, fmt.Sprintf("%s does not accept forwarded commits", resource))
	}

	epoch := p.cfg.EpochFn()
	txID, err := committer.CommitRemote(commands, epoch)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ForwardedCommitsTotal.Inc()
	}

	// The response stream carries everything the follower is missing,
	// including the transaction just committed, tagged with its id.
	stream, err := p.missingFor(ctx)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}

	var result bytes.Buffer
	writeUint64(&result, txID)
	writeUint64(&result, epoch)
	return encodeResponse(StatusOK, stream, result.Bytes())
}

func (p *Primary) handlePullUpdates(ctx FollowerContext) []byte {
	stream, err := p.missingFor(ctx)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}
	return encodeResponse(StatusOK, stream, nil)
}

func (p *Primary) handleCopyStore() []byte {
	graph, err := p.registry.Get(datasource.GraphSourceName)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}
	gs, ok := graph.(*datasource.GraphSource)
	if !ok {
		return encodeErrorResponse(StatusError, "graph source does not support store copy")
	}

	files, lastTx, err := gs.Snapshot()
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}

	// Commits were blocked during the copy; anything after lastTx belongs
	// to the tail.
	tail, err := gs.Extract(lastTx)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}
	tailEntries := make([]TxStreamEntry, 0, len(tail))
	for _, t := range tail {
		tailEntries = append(tailEntries, TxStreamEntry{Resource: datasource.GraphSourceName, Tx: t})
	}

	var result bytes.Buffer
	writeUint64(&result, lastTx)
	encodeSnapshot(&result, files, tailEntries)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.StoreCopiesTotal.Inc()
	}
	return encodeResponse(StatusOK, nil, result.Bytes())
}

func (p *Primary) handleMasterEpochFor(args *bytes.Reader) []byte {
	resource, err := readString(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad epoch args")
	}
	txID, err := readUint64(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad epoch args")
	}
	ds, err := p.registry.Get(resource)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}
	epoch, err := ds.MasterEpochFor(txID)
	if err != nil {
		if errors.Is(err, txlog.ErrUnknownTx) {
			return encodeErrorResponse(StatusBranched, err.Error())
		}
		return encodeErrorResponse(StatusError, err.Error())
	}
	var result bytes.Buffer
	writeUint64(&result, epoch)
	return encodeResponse(StatusOK, nil, result.Bytes())
}

func (p *Primary) handleLastTx(args *bytes.Reader) []byte {
	resource, err := readString(args)
	if err != nil {
		return encodeErrorResponse(StatusError, "bad last-tx args")
	}
	ds, err := p.registry.Get(resource)
	if err != nil {
		return encodeErrorResponse(StatusError, err.Error())
	}
	var result bytes.Buffer
	writeUint64(&result, ds.LastCommittedTxID())
	return encodeResponse(StatusOK, nil, result.Bytes())
}
