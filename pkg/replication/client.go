package replication

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
)

// DefaultRPCTimeout bounds every call to the primary. Expiry surfaces as a
// communication failure, on which the follower re-resolves the primary.
const DefaultRPCTimeout = 20 * time.Second

// ClientConfig configures a primary RPC client.
type ClientConfig struct {
	PrimaryAddr string
	Timeout     time.Duration
	Logger      logging.Logger
}

// Client is a follower's connection to the primary RPC server. Calls are
// serialized; the REQ socket enforces one outstanding request.
type Client struct {
	cfg    ClientConfig
	logger logging.Logger

	mu   sync.Mutex
	sock mangos.Socket
}

// NewClient dials the primary.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, cfg.Timeout); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, cfg.Timeout); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Dial(cfg.PrimaryAddr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%s: %w", cfg.PrimaryAddr, ErrComm)
	}
	return &Client{cfg: cfg, logger: cfg.Logger.With(logging.Component("primary-client")), sock: sock}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	return err
}

// call performs one request/response round trip.
func (c *Client) call(op Opcode, ctx FollowerContext, args []byte) (Status, []TxStreamEntry, *bytes.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return StatusError, nil, nil, fmt.Errorf("client closed: %w", ErrComm)
	}

	if err := c.sock.Send(encodeRequest(op, ctx, args)); err != nil {
		return StatusError, nil, nil, fmt.Errorf("%s send: %v: %w", op, err, ErrComm)
	}
	resp, err := c.sock.Recv()
	if err != nil {
		return StatusError, nil, nil, fmt.Errorf("%s recv: %v: %w", op, err, ErrComm)
	}

	status, stream, result, err := decodeResponse(resp)
	if err != nil {
		return StatusError, nil, nil, fmt.Errorf("%s: %v: %w", op, err, ErrComm)
	}
	if status != StatusOK {
		detail, _ := readString(result)
		return status, stream, nil, statusErr(status, detail)
	}
	return status, stream, result, nil
}

// AllocateIDs reserves n ids of the given record kind on the primary.
func (c *Client) AllocateIDs(ctx FollowerContext, kind uint8, n uint32) ([]IDRange, error) {
	var args bytes.Buffer
	writeUint8(&args, kind)
	writeUint32(&args, n)

	_, _, result, err := c.call(OpAllocateIDs, ctx, args.Bytes())
	if err != nil {
		return nil, err
	}
	count, err := readUint32(result)
	if err != nil {
		return nil, fmt.Errorf("bad allocate response: %w", ErrComm)
	}
	ranges := make([]IDRange, 0, count)
	for i := uint32(0); i < count; i++ {
		start, err := readUint64(result)
		if err != nil {
			return nil, fmt.Errorf("bad allocate response: %w", ErrComm)
		}
		length, err := readUint32(result)
		if err != nil {
			return nil, fmt.Errorf("bad allocate response: %w", ErrComm)
		}
		ranges = append(ranges, IDRange{Start: start, Length: length})
	}
	return ranges, nil
}

// AcquireLocks takes record locks on the primary under the given session
// token.
func (c *Client) AcquireLocks(ctx FollowerContext, token string, locks []LockRequest) error {
	var args bytes.Buffer
	writeString(&args, token)
	writeUint32(&args, uint32(len(locks)))
	for _, l := range locks {
		writeString(&args, l.Resource)
		writeUint64(&args, l.Record)
		writeBool(&args, l.Write)
	}
	_, _, _, err := c.call(OpAcquireLocks, ctx, args.Bytes())
	return err
}

// ReleaseLocks drops a lock session.
func (c *Client) ReleaseLocks(ctx FollowerContext, token string) error {
	var args bytes.Buffer
	writeString(&args, token)
	_, _, _, err := c.call(OpReleaseLocks, ctx, args.Bytes())
	return err
}

// Commit forwards a transaction's command stream. The primary durably
// commits, assigns the tx id, and returns the apply stream the follower is
// missing (the forwarded transaction included).
func (c *Client) Commit(ctx FollowerContext, resource string, commands [][]byte) (txID uint64, epoch uint64, stream []TxStreamEntry, err error) {
	var args bytes.Buffer
	writeString(&args, resource)
	writeUint32(&args, uint32(len(commands)))
	for _, cmd := range commands {
		writeBytes(&args, cmd)
	}

	_, stream, result, err := c.call(OpCommit, ctx, args.Bytes())
	if err != nil {
		return 0, 0, nil, err
	}
	if txID, err = readUint64(result); err != nil {
		return 0, 0, nil, fmt.Errorf("bad commit response: %w", ErrComm)
	}
	if epoch, err = readUint64(result); err != nil {
		return 0, 0, nil, fmt.Errorf("bad commit response: %w", ErrComm)
	}
	return txID, epoch, stream, nil
}

// PullUpdates streams every committed transaction above the follower's
// positions.
func (c *Client) PullUpdates(ctx FollowerContext) ([]TxStreamEntry, error) {
	_, stream, _, err := c.call(OpPullUpdates, ctx, nil)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// CopyStore fetches a full consistent store copy plus the log tail.
func (c *Client) CopyStore(ctx FollowerContext) (files []datasource.SnapshotFile, lastTx uint64, tail []TxStreamEntry, err error) {
	_, _, result, err := c.call(OpCopyStore, ctx, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	if lastTx, err = readUint64(result); err != nil {
		return nil, 0, nil, fmt.Errorf("bad copy response: %w", ErrComm)
	}
	files, tail, err = decodeSnapshot(result)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("bad copy response: %v: %w", err, ErrComm)
	}
	return files, lastTx, tail, nil
}

// MasterEpochFor asks which epoch produced a committed transaction.
func (c *Client) MasterEpochFor(ctx FollowerContext, resource string, txID uint64) (uint64, error) {
	var args bytes.Buffer
	writeString(&args, resource)
	writeUint64(&args, txID)

	_, _, result, err := c.call(OpMasterEpochFor, ctx, args.Bytes())
	if err != nil {
		return 0, err
	}
	epoch, err := readUint64(result)
	if err != nil {
		return 0, fmt.Errorf("bad epoch response: %w", ErrComm)
	}
	return epoch, nil
}

// LastTx returns the primary's last committed tx id for a resource.
func (c *Client) LastTx(ctx FollowerContext, resource string) (uint64, error) {
	var args bytes.Buffer
	writeString(&args, resource)

	_, _, result, err := c.call(OpLastTx, ctx, args.Bytes())
	if err != nil {
		return 0, err
	}
	last, err := readUint64(result)
	if err != nil {
		return 0, fmt.Errorf("bad last-tx response: %w", ErrComm)
	}
	return last, nil
}
