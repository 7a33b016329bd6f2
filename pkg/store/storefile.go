package store

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Store file header: {magic, version, store_id}.
const (
	storeMagic    uint32 = 0x41524231 // "ARB1"
	storeVersion  uint32 = 1
	headerSize           = 24
)

// RecordStore is one fixed-record file plus its .id free-list sibling.
// A per-file latch guards structural operations; record-granularity
// isolation is the lock manager's job.
type RecordStore struct {
	path       string
	recordSize int
	identity   Identity
	backend    backend
	ids        *IDGenerator
	readOnly   bool
	closed     bool
}

// RecordStoreOptions controls how a record store is opened.
type RecordStoreOptions struct {
	RecordSize int
	// ReserveLow keeps ids below this value out of the allocator. The
	// strings store reserves block 0 for the property-key directory chain.
	ReserveLow uint64
	UseMmap    bool
	ReadOnly   bool
}

// OpenRecordStore opens (or creates) a record store, verifying its header
// against the given identity. A zero identity on open adopts whatever the
// file carries (used by the meta store before the identity is known).
func OpenRecordStore(path string, identity Identity, opts RecordStoreOptions) (*RecordStore, error) {
	_, statErr := os.Stat(path)
	creating := os.IsNotExist(statErr)

	b, err := openBackend(path, opts.UseMmap, opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	rs := &RecordStore{
		path:       path,
		recordSize: opts.RecordSize,
		identity:   identity,
		backend:    b,
		readOnly:   opts.ReadOnly,
	}

	if creating {
		if opts.ReadOnly {
			b.Close()
			return nil, fmt.Errorf("%s: %w", path, ErrStoreMissing)
		}
		if err := rs.writeHeader(); err != nil {
			b.Close()
			return nil, err
		}
	} else {
		if err := rs.verifyHeader(); err != nil {
			b.Close()
			return nil, err
		}
	}

	ids, needsRebuild, err := OpenIDGenerator(path+".id", opts.ReserveLow, opts.ReadOnly)
	if err != nil {
		b.Close()
		return nil, err
	}
	rs.ids = ids

	if needsRebuild {
		if err := rs.rebuildIDs(); err != nil {
			b.Close()
			return nil, err
		}
	}
	return rs, nil
}

func (rs *RecordStore) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], storeMagic)
	binary.LittleEndian.PutUint32(buf[4:], storeVersion)
	copy(buf[8:], EncodeIdentity(rs.identity))
	if _, err := rs.backend.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("failed to write store header: %w", err)
	}
	return rs.backend.Sync()
}

func (rs *RecordStore) verifyHeader() error {
	buf := make([]byte, headerSize)
	if _, err := rs.backend.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%s: %w", rs.path, ErrBadHeader)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != storeMagic {
		return fmt.Errorf("%s: bad magic: %w", rs.path, ErrBadHeader)
	}
	if binary.LittleEndian.Uint32(buf[4:]) != storeVersion {
		return fmt.Errorf("%s: unsupported version %d: %w", rs.path, binary.LittleEndian.Uint32(buf[4:]), ErrBadHeader)
	}
	fileID, err := DecodeIdentity(buf[8:])
	if err != nil {
		return fmt.Errorf("%s: %w", rs.path, ErrBadHeader)
	}
	if rs.identity.IsZero() {
		rs.identity = fileID
		return nil
	}
	if !fileID.Equal(rs.identity) {
		return fmt.Errorf("%s: file carries %s, expected %s: %w", rs.path, fileID, rs.identity, ErrStoreIDMismatch)
	}
	return nil
}

// Identity returns the identity stamped in the file header.
func (rs *RecordStore) Identity() Identity { return rs.identity }

func (rs *RecordStore) offset(id uint64) int64 {
	return headerSize + int64(id)*int64(rs.recordSize)
}

// Read returns the raw record bytes for id.
func (rs *RecordStore) Read(id uint64) ([]byte, error) {
	if rs.closed {
		return nil, ErrStoreClosed
	}
	if id >= rs.ids.HighID() {
		return nil, fmt.Errorf("%s id %d: %w", rs.path, id, ErrRecordOutOfRange)
	}
	buf := make([]byte, rs.recordSize)
	off := rs.offset(id)
	if off+int64(rs.recordSize) > rs.backend.Size() {
		// Allocated but never written: an empty (not in-use) record.
		return buf, nil
	}
	if _, err := rs.backend.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("failed to read record %d from %s: %w", id, rs.path, err)
	}
	return buf, nil
}

// Write stores raw record bytes at id. Writing a record whose in-use flag is
// clear releases the id back to the free-list; writing an in-use record past
// the high-water mark bumps it (replicated commands carry primary-assigned
// ids).
func (rs *RecordStore) Write(id uint64, data []byte) error {
	if rs.closed {
		return ErrStoreClosed
	}
	if rs.readOnly {
		return ErrReadOnly
	}
	if len(data) != rs.recordSize {
		return fmt.Errorf("%s: record size %d, got %d bytes", rs.path, rs.recordSize, len(data))
	}
	inUse := data[0] != 0
	if inUse {
		rs.ids.EnsureHigh(id + 1)
	}
	if _, err := rs.backend.WriteAt(data, rs.offset(id)); err != nil {
		return fmt.Errorf("failed to write record %d to %s: %w", id, rs.path, err)
	}
	if !inUse && id < rs.ids.HighID() {
		rs.ids.Release(id)
	}
	return nil
}

// Allocate reserves a fresh id.
func (rs *RecordStore) Allocate() (uint64, error) {
	if rs.readOnly {
		return 0, ErrReadOnly
	}
	return rs.ids.Allocate()
}

// Release returns an id to the free-list without touching the record.
func (rs *RecordStore) Release(id uint64) {
	rs.ids.Release(id)
}

// EnsureHigh exposes the allocator bump for replicated id ranges.
func (rs *RecordStore) EnsureHigh(next uint64) {
	rs.ids.EnsureHigh(next)
}

// HighID returns the allocator's high-water mark.
func (rs *RecordStore) HighID() uint64 {
	return rs.ids.HighID()
}

// Scan walks every record slot below the high-water mark.
func (rs *RecordStore) Scan(fn func(id uint64, data []byte) error) error {
	high := rs.ids.HighID()
	for id := uint64(0); id < high; id++ {
		data, err := rs.Read(id)
		if err != nil {
			return err
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return nil
}

// rebuildIDs rescans in-use flags after a crash to rebuild the free-list.
func (rs *RecordStore) rebuildIDs() error {
	size := rs.backend.Size()
	if size < headerSize {
		rs.ids.Rebuild(rs.ids.reserveLow, nil)
		return nil
	}
	slots := uint64((size - headerSize) / int64(rs.recordSize))
	var (
		high uint64 = rs.ids.reserveLow
		free []uint64
	)
	buf := make([]byte, rs.recordSize)
	for id := uint64(0); id < slots; id++ {
		if _, err := rs.backend.ReadAt(buf, rs.offset(id)); err != nil {
			return fmt.Errorf("failed to rescan %s: %w", rs.path, err)
		}
		if buf[0] != 0 {
			high = id + 1
		}
	}
	for id := rs.ids.reserveLow; id < high; id++ {
		if _, err := rs.backend.ReadAt(buf, rs.offset(id)); err != nil {
			return err
		}
		if buf[0] == 0 {
			free = append(free, id)
		}
	}
	rs.ids.Rebuild(high, free)
	return nil
}

// Sync flushes dirty pages to stable storage.
func (rs *RecordStore) Sync() error {
	if rs.closed {
		return ErrStoreClosed
	}
	return rs.backend.Sync()
}

// Close flushes and closes the store file and writes the clean .id file.
func (rs *RecordStore) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	if err := rs.backend.Sync(); err != nil {
		return err
	}
	if err := rs.backend.Close(); err != nil {
		return err
	}
	return rs.ids.Close()
}
