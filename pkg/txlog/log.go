package txlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dmontag/arbordb/pkg/logging"
)

// BaseName is the on-disk base name of the logical log. The two live files
// alternate as BaseName.0 and BaseName.1; retained history is renamed to
// BaseName.v<version>.
const BaseName = "nioneo_logical.log"

// MarkerName is the small file recording which live log file is active and
// the current log version.
const MarkerName = BaseName + activeMarkerSuffix

const (
	activeMarkerSuffix = ".active"
	logMagic           = uint32(0x4C4F4731) // "LOG1"
	logHeaderSize      = 12
	defaultRotateSize  = 10 << 20
)

var (
	// ErrUnknownTx is returned when a transaction id is not in the log's
	// committed history.
	ErrUnknownTx = errors.New("transaction not found in logical log")

	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("logical log is closed")
)

// CommittedTx is one committed transaction extracted from the log.
type CommittedTx struct {
	TxID     uint64
	Epoch    uint64
	Commands [][]byte
}

// Options configures a logical log.
type Options struct {
	// RotateSize bounds the active file; 0 uses the default.
	RotateSize int64
	// KeepLogs retains rotated files for replication catch-up.
	KeepLogs bool
	ReadOnly bool
	Logger   logging.Logger
}

// LogicalLog is the append-only write-ahead log of one data source.
type LogicalLog struct {
	dir        string
	rotateSize int64
	keepLogs   bool
	readOnly   bool
	logger     logging.Logger

	mu       sync.Mutex
	active   byte
	version  uint64
	file     *os.File
	writer   *bufio.Writer
	size     int64
	closed   bool
	inFlight map[uint64]bool
	// epochs maps every committed tx id to the primary epoch that produced
	// it; rebuilt from the files at open.
	epochs map[uint64]uint64
}

// Open opens (or creates) the logical log in dir. Callers must run Recover
// before appending.
func Open(dir string, opts Options) (*LogicalLog, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.RotateSize <= 0 {
		opts.RotateSize = defaultRotateSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &LogicalLog{
		dir:        dir,
		rotateSize: opts.RotateSize,
		keepLogs:   opts.KeepLogs,
		readOnly:   opts.ReadOnly,
		logger:     opts.Logger,
		inFlight:   make(map[uint64]bool),
		epochs:     make(map[uint64]uint64),
	}

	if err := l.readMarker(); err != nil {
		return nil, err
	}
	if err := l.openActive(); err != nil {
		return nil, err
	}
	if err := l.buildEpochIndex(); err != nil {
		l.file.Close()
		return nil, err
	}
	return l, nil
}

func (l *LogicalLog) markerPath() string {
	return filepath.Join(l.dir, BaseName+activeMarkerSuffix)
}

func (l *LogicalLog) activePath() string {
	return filepath.Join(l.dir, fmt.Sprintf("%s.%d", BaseName, l.active))
}

func (l *LogicalLog) versionPath(v uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s.v%d", BaseName, v))
}

func (l *LogicalLog) readMarker() error {
	data, err := os.ReadFile(l.markerPath())
	if os.IsNotExist(err) {
		l.active, l.version = 0, 1
		if l.readOnly {
			return nil
		}
		return l.writeMarker()
	}
	if err != nil {
		return fmt.Errorf("failed to read log marker: %w", err)
	}
	if len(data) < 9 {
		return fmt.Errorf("log marker truncated")
	}
	l.active = data[0]
	l.version = binary.BigEndian.Uint64(data[1:9])
	return nil
}

func (l *LogicalLog) writeMarker() error {
	buf := make([]byte, 9)
	buf[0] = l.active
	binary.BigEndian.PutUint64(buf[1:], l.version)
	tmp := l.markerPath() + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("failed to write log marker: %w", err)
	}
	if err := os.Rename(tmp, l.markerPath()); err != nil {
		return fmt.Errorf("failed to install log marker: %w", err)
	}
	return nil
}

func (l *LogicalLog) openActive() error {
	flags := os.O_RDWR | os.O_CREATE
	if l.readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(l.activePath(), flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open logical log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.size = info.Size()
	if l.size == 0 && !l.readOnly {
		if err := writeLogHeader(f, l.version); err != nil {
			f.Close()
			return err
		}
		l.size = logHeaderSize
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return nil
}

func writeLogHeader(w io.Writer, version uint64) error {
	buf := make([]byte, logHeaderSize)
	binary.BigEndian.PutUint32(buf[0:], logMagic)
	binary.BigEndian.PutUint64(buf[4:], version)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}
	return nil
}

func readLogHeader(r io.Reader) (uint64, error) {
	buf := make([]byte, logHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(buf[0:]) != logMagic {
		return 0, fmt.Errorf("bad logical log magic")
	}
	return binary.BigEndian.Uint64(buf[4:]), nil
}

// retainedVersions returns retained file versions in ascending order.
func (l *LogicalLog) retainedVersions() ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, BaseName+".v*"))
	if err != nil {
		return nil, err
	}
	versions := make([]uint64, 0, len(matches))
	for _, m := range matches {
		var v uint64
		if _, err := fmt.Sscanf(filepath.Base(m), BaseName+".v%d", &v); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// scanFile reads every complete entry of one log file. Torn tails stop the
// scan without error; the caller decides what to do with the position.
func scanFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	if _, err := readLogHeader(r); err != nil {
		return err
	}
	for {
		e, err := readEntry(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Torn or corrupt tail: everything before it is valid.
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (l *LogicalLog) buildEpochIndex() error {
	versions, err := l.retainedVersions()
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(versions)+1)
	for _, v := range versions {
		paths = append(paths, l.versionPath(v))
	}
	paths = append(paths, l.activePath())

	for _, p := range paths {
		commits := make(map[uint64]CommitPayload)
		err := scanFile(p, func(e Entry) error {
			if e.Type == EntryCommit {
				cp, err := DecodeCommitPayload(e.Payload)
				if err != nil {
					return err
				}
				commits[e.LocalID] = cp
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to index %s: %w", p, err)
		}
		for _, cp := range commits {
			l.epochs[cp.TxID] = cp.Epoch
		}
	}
	return nil
}

func (l *LogicalLog) append(e Entry) error {
	if l.closed {
		return ErrLogClosed
	}
	if l.readOnly {
		return fmt.Errorf("logical log: read-only")
	}
	n, err := writeEntry(l.writer, e)
	if err != nil {
		return fmt.Errorf("failed to append %s entry: %w", e.Type, err)
	}
	l.size += int64(n)
	return nil
}

func (l *LogicalLog) force() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush logical log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync logical log: %w", err)
	}
	return nil
}

// AppendStart opens a transaction in the log.
func (l *LogicalLog) AppendStart(localID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(Entry{Type: EntryStart, LocalID: localID}); err != nil {
		return err
	}
	l.inFlight[localID] = true
	return nil
}

// AppendCommand logs one command for a transaction.
func (l *LogicalLog) AppendCommand(localID uint64, cmd []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(Entry{Type: EntryCommand, LocalID: localID, Payload: cmd})
}

// AppendPrepare logs the prepare record and forces the log to durable
// storage. A COMMIT for this transaction may only follow a successful
// prepare.
func (l *LogicalLog) AppendPrepare(localID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(Entry{Type: EntryPrepare, LocalID: localID}); err != nil {
		return err
	}
	return l.force()
}

// AppendCommit logs the commit record with the assigned global tx id and
// primary epoch, and forces it durable.
func (l *LogicalLog) AppendCommit(localID uint64, p CommitPayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(Entry{Type: EntryCommit, LocalID: localID, Payload: EncodeCommitPayload(p)}); err != nil {
		return err
	}
	if err := l.force(); err != nil {
		return err
	}
	l.epochs[p.TxID] = p.Epoch
	return nil
}

// AppendDone marks the transaction fully applied to the store, then rotates
// the file if it outgrew its bound and no transaction is in flight.
func (l *LogicalLog) AppendDone(localID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(Entry{Type: EntryDone, LocalID: localID}); err != nil {
		return err
	}
	delete(l.inFlight, localID)
	if l.size >= l.rotateSize && len(l.inFlight) == 0 {
		return l.rotate()
	}
	return nil
}

// AppendRollback logs a rollback for a transaction that had already
// prepared, and forces it.
func (l *LogicalLog) AppendRollback(localID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(Entry{Type: EntryRollback, LocalID: localID}); err != nil {
		return err
	}
	delete(l.inFlight, localID)
	return l.force()
}

// Abandon drops a transaction that never reached the log force.
func (l *LogicalLog) Abandon(localID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, localID)
}

// rotate switches the two live files. Caller holds the lock.
func (l *LogicalLog) rotate() error {
	if err := l.force(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close rotated log: %w", err)
	}

	old := l.activePath()
	if l.keepLogs {
		if err := os.Rename(old, l.versionPath(l.version)); err != nil {
			return fmt.Errorf("failed to retain rotated log: %w", err)
		}
	} else {
		if err := os.Remove(old); err != nil {
			return fmt.Errorf("failed to remove rotated log: %w", err)
		}
	}

	l.active = 1 - l.active
	l.version++
	if err := l.writeMarker(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.activePath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open fresh log: %w", err)
	}
	if err := writeLogHeader(f, l.version); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.size = logHeaderSize

	l.logger.Info("rotated logical log",
		logging.Uint64("version", l.version),
		logging.Bool("retained", l.keepLogs))
	return nil
}

// MasterEpochFor returns the primary epoch recorded with a committed
// transaction.
func (l *LogicalLog) MasterEpochFor(txID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if txID == 0 {
		// The empty store's baseline: every replica agrees on epoch 0.
		return 0, nil
	}
	epoch, ok := l.epochs[txID]
	if !ok {
		return 0, fmt.Errorf("tx %d: %w", txID, ErrUnknownTx)
	}
	return epoch, nil
}

// Extract returns every committed transaction with id greater than fromTxID
// in tx id order, gathered from retained history plus the active file.
func (l *LogicalLog) Extract(fromTxID uint64) ([]CommittedTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	if !l.readOnly {
		if err := l.force(); err != nil {
			return nil, err
		}
	}

	versions, err := l.retainedVersions()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(versions)+1)
	for _, v := range versions {
		paths = append(paths, l.versionPath(v))
	}
	paths = append(paths, l.activePath())

	var result []CommittedTx
	for _, p := range paths {
		byLocal := make(map[uint64]*CommittedTx)
		commands := make(map[uint64][][]byte)
		err := scanFile(p, func(e Entry) error {
			switch e.Type {
			case EntryStart:
				commands[e.LocalID] = nil
			case EntryCommand:
				commands[e.LocalID] = append(commands[e.LocalID], e.Payload)
			case EntryCommit:
				cp, err := DecodeCommitPayload(e.Payload)
				if err != nil {
					return err
				}
				byLocal[e.LocalID] = &CommittedTx{TxID: cp.TxID, Epoch: cp.Epoch, Commands: commands[e.LocalID]}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to extract from %s: %w", p, err)
		}
		for _, tx := range byLocal {
			if tx.TxID > fromTxID {
				result = append(result, *tx)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TxID < result[j].TxID })
	return result, nil
}

// Prune removes retained files whose every transaction is at or below
// appliedTxID on all live followers.
func (l *LogicalLog) Prune(appliedTxID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	versions, err := l.retainedVersions()
	if err != nil {
		return err
	}
	for _, v := range versions {
		path := l.versionPath(v)
		maxTx := uint64(0)
		err := scanFile(path, func(e Entry) error {
			if e.Type == EntryCommit {
				if cp, err := DecodeCommitPayload(e.Payload); err == nil && cp.TxID > maxTx {
					maxTx = cp.TxID
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if maxTx <= appliedTxID {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to prune %s: %w", path, err)
			}
			l.logger.Info("pruned logical log", logging.Uint64("version", v), logging.TxID(maxTx))
		}
	}
	return nil
}

// Version returns the active file's version.
func (l *LogicalLog) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Force flushes and fsyncs the active file.
func (l *LogicalLog) Force() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	if l.readOnly {
		return nil
	}
	return l.force()
}

// Files lists every logical log file currently on disk, oldest first.
func (l *LogicalLog) Files() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	versions, err := l.retainedVersions()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(versions)+1)
	for _, v := range versions {
		paths = append(paths, l.versionPath(v))
	}
	paths = append(paths, l.activePath())
	return paths, nil
}

// Close forces and closes the active file.
func (l *LogicalLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.readOnly {
		return l.file.Close()
	}
	if err := l.force(); err != nil {
		return err
	}
	return l.file.Close()
}
