package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmontag/arbordb/pkg/logging"
)

// Kind identifies one of the fixed-record store files.
type Kind uint8

const (
	KindMeta Kind = iota
	KindNode
	KindRelationship
	KindProperty
	KindPropertyString
	KindPropertyArray
	KindRelationshipType
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindNode:
		return "node"
	case KindRelationship:
		return "relationship"
	case KindProperty:
		return "property"
	case KindPropertyString:
		return "property.string"
	case KindPropertyArray:
		return "property.array"
	case KindRelationshipType:
		return "relationshiptype"
	default:
		return "unknown"
	}
}

// Store file names, fixed on disk.
const (
	MetaFile       = "neostore"
	NodeFile       = "neostore.nodestore.db"
	RelFile        = "neostore.relationshipstore.db"
	PropFile       = "neostore.propertystore.db"
	PropStringFile = "neostore.propertystore.db.strings"
	PropArrayFile  = "neostore.propertystore.db.arrays"
	RelTypeFile    = "neostore.relationshiptypestore.db"
)

// FileNames lists every store file in creation order, .id siblings excluded.
func FileNames() []string {
	return []string{MetaFile, NodeFile, RelFile, PropFile, PropStringFile, PropArrayFile, RelTypeFile}
}

// Meta record slots inside the neostore file.
const (
	metaCreationTime = 0
	metaRandomID     = 1
	metaVersion      = 2
	metaLastTx       = 3
	metaLastTxEpoch  = 4
	metaRecordCount  = 5
)

// Dynamic block 0 of the strings store is reserved for the property-key
// directory chain.
const KeyDirectoryBlock uint64 = 0

// Options configures how a NeoStore opens.
type Options struct {
	// UseMmap selects the page backend; nil auto-detects.
	UseMmap  *bool
	ReadOnly bool
	// AllowCreate permits minting a brand-new store in an empty directory.
	AllowCreate bool
	// Identity forces the identity of a newly created store (store copies
	// must carry the cluster's agreed identity). Zero means mint a new one.
	Identity Identity
	Logger   logging.Logger
}

// NeoStore aggregates all record stores of one graph database directory.
type NeoStore struct {
	dir      string
	identity Identity
	stores   [kindCount]*RecordStore
	readOnly bool
	logger   logging.Logger
}

type kindSpec struct {
	file       string
	recordSize int
	reserveLow uint64
}

func specFor(k Kind) kindSpec {
	switch k {
	case KindMeta:
		return kindSpec{MetaFile, MetaRecordSize, metaRecordCount}
	case KindNode:
		return kindSpec{NodeFile, NodeRecordSize, 0}
	case KindRelationship:
		return kindSpec{RelFile, RelationshipRecordSize, 0}
	case KindProperty:
		return kindSpec{PropFile, PropertyRecordSize, 0}
	case KindPropertyString:
		return kindSpec{PropStringFile, DynamicBlockSize, KeyDirectoryBlock + 1}
	case KindPropertyArray:
		return kindSpec{PropArrayFile, DynamicBlockSize, 0}
	case KindRelationshipType:
		return kindSpec{RelTypeFile, RelationshipTypeRecordSize, 0}
	}
	panic(fmt.Sprintf("unknown store kind %d", k))
}

// Exists reports whether a store has been created in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, MetaFile))
	return err == nil
}

// Open opens every store file in dir, creating a fresh store when the
// directory is empty and creation is allowed.
func Open(dir string, opts Options) (*NeoStore, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	useMmap := AutoMemoryMapped()
	if opts.UseMmap != nil {
		useMmap = *opts.UseMmap
	}

	creating := !Exists(dir)
	if creating {
		if !opts.AllowCreate || opts.ReadOnly {
			return nil, fmt.Errorf("%s: %w", dir, ErrStoreMissing)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	ns := &NeoStore{dir: dir, readOnly: opts.ReadOnly, logger: opts.Logger}

	identity := opts.Identity
	if creating && identity.IsZero() {
		identity = NewIdentity()
	}

	// The meta store resolves the identity for the rest.
	meta, err := OpenRecordStore(filepath.Join(dir, MetaFile), identity, RecordStoreOptions{
		RecordSize: MetaRecordSize,
		ReserveLow: metaRecordCount,
		UseMmap:    useMmap,
		ReadOnly:   opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	ns.stores[KindMeta] = meta
	ns.identity = meta.Identity()

	if creating {
		if err := ns.initMeta(); err != nil {
			meta.Close()
			return nil, err
		}
	} else if err := ns.verifyMeta(); err != nil {
		meta.Close()
		return nil, err
	}

	for k := KindNode; k < kindCount; k++ {
		spec := specFor(k)
		rs, err := OpenRecordStore(filepath.Join(dir, spec.file), ns.identity, RecordStoreOptions{
			RecordSize: spec.recordSize,
			ReserveLow: spec.reserveLow,
			UseMmap:    useMmap,
			ReadOnly:   opts.ReadOnly,
		})
		if err != nil {
			ns.closePartial(k)
			return nil, err
		}
		ns.stores[k] = rs
	}

	if creating {
		ns.logger.Info("created store", logging.Path(dir), logging.String("store_id", ns.identity.String()))
	} else {
		ns.logger.Debug("opened store", logging.Path(dir), logging.String("store_id", ns.identity.String()))
	}
	return ns, nil
}

func (ns *NeoStore) closePartial(upTo Kind) {
	for k := KindMeta; k <= upTo; k++ {
		if ns.stores[k] != nil {
			ns.stores[k].Close()
		}
	}
}

func (ns *NeoStore) initMeta() error {
	if err := ns.writeMeta(metaCreationTime, uint64(ns.identity.CreationTime)); err != nil {
		return err
	}
	if err := ns.writeMeta(metaRandomID, ns.identity.RandomID); err != nil {
		return err
	}
	if err := ns.writeMeta(metaVersion, uint64(storeVersion)); err != nil {
		return err
	}
	if err := ns.writeMeta(metaLastTx, 0); err != nil {
		return err
	}
	return ns.writeMeta(metaLastTxEpoch, 0)
}

func (ns *NeoStore) verifyMeta() error {
	ct, err := ns.readMeta(metaCreationTime)
	if err != nil {
		return err
	}
	rid, err := ns.readMeta(metaRandomID)
	if err != nil {
		return err
	}
	fromMeta := Identity{CreationTime: int64(ct), RandomID: rid}
	if !fromMeta.Equal(ns.identity) {
		return fmt.Errorf("neostore metadata disagrees with header: %w", ErrBadHeader)
	}
	return nil
}

func (ns *NeoStore) writeMeta(slot uint64, value uint64) error {
	buf := make([]byte, MetaRecordSize)
	binary.LittleEndian.PutUint64(buf, value)
	if _, err := ns.stores[KindMeta].backend.WriteAt(buf, ns.stores[KindMeta].offset(slot)); err != nil {
		return fmt.Errorf("failed to write meta slot %d: %w", slot, err)
	}
	return nil
}

func (ns *NeoStore) readMeta(slot uint64) (uint64, error) {
	buf := make([]byte, MetaRecordSize)
	if _, err := ns.stores[KindMeta].backend.ReadAt(buf, ns.stores[KindMeta].offset(slot)); err != nil {
		return 0, fmt.Errorf("failed to read meta slot %d: %w", slot, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Identity returns the store's immutable identity.
func (ns *NeoStore) Identity() Identity { return ns.identity }

// Dir returns the store directory.
func (ns *NeoStore) Dir() string { return ns.dir }

// Store returns the record store for a kind.
func (ns *NeoStore) Store(k Kind) *RecordStore { return ns.stores[k] }

// ReadRecord reads raw record bytes.
func (ns *NeoStore) ReadRecord(k Kind, id uint64) ([]byte, error) {
	return ns.stores[k].Read(id)
}

// WriteRecord writes raw record bytes.
func (ns *NeoStore) WriteRecord(k Kind, id uint64, data []byte) error {
	return ns.stores[k].Write(id, data)
}

// AllocateID reserves a fresh id in the given store.
func (ns *NeoStore) AllocateID(k Kind) (uint64, error) {
	return ns.stores[k].Allocate()
}

// ReleaseID returns an id to the free-list.
func (ns *NeoStore) ReleaseID(k Kind, id uint64) {
	ns.stores[k].Release(id)
}

// LastCommittedTx returns the durable last committed transaction metadata.
func (ns *NeoStore) LastCommittedTx() (txID uint64, epoch uint64, err error) {
	txID, err = ns.readMeta(metaLastTx)
	if err != nil {
		return 0, 0, err
	}
	epoch, err = ns.readMeta(metaLastTxEpoch)
	return txID, epoch, err
}

// SetLastCommittedTx records the last committed transaction metadata.
func (ns *NeoStore) SetLastCommittedTx(txID uint64, epoch uint64) error {
	if ns.readOnly {
		return ErrReadOnly
	}
	if err := ns.writeMeta(metaLastTx, txID); err != nil {
		return err
	}
	return ns.writeMeta(metaLastTxEpoch, epoch)
}

// FlushAll syncs every store file. The logical log must have been forced
// first; callers own that ordering.
func (ns *NeoStore) FlushAll() error {
	for k := KindMeta; k < kindCount; k++ {
		if err := ns.stores[k].Sync(); err != nil {
			return fmt.Errorf("failed to flush %s store: %w", k, err)
		}
	}
	return nil
}

// Close flushes and closes every store file.
func (ns *NeoStore) Close() error {
	var firstErr error
	for k := KindMeta; k < kindCount; k++ {
		if ns.stores[k] == nil {
			continue
		}
		if err := ns.stores[k].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		ns.logger.Debug("closed store", logging.Path(ns.dir))
	}
	return firstErr
}
