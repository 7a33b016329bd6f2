package kernel

import (
	"errors"
	"fmt"

	"github.com/dmontag/arbordb/pkg/command"
	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/replication"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/tx"
)

var (
	// ErrNotFound is returned for reads of absent entities.
	ErrNotFound = errors.New("entity not found")

	// ErrHasRelationships is returned when deleting a node that still has
	// relationships.
	ErrHasRelationships = errors.New("node still has relationships")
)

type recordKey struct {
	kind store.Kind
	id   uint64
}

// Tx is a kernel transaction handle. It buffers commands and an overlay of
// pending record images so later operations in the same transaction see
// earlier writes; nothing reaches the store before commit.
type Tx struct {
	k     *Kernel
	inner *tx.Transaction
	slave *SlaveMode

	commands []command.Command
	overlay  map[recordKey][]byte

	remoteToken string
	remoteLocks bool

	// Token-table changes become visible only after commit.
	pendingRelTypes map[string]uint32
	pendingPropKeys map[string]uint32

	finished bool
}

// Begin opens a write transaction.
func (k *Kernel) Begin() (*Tx, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.ready(); err != nil {
		return nil, err
	}
	if k.cfg.ReadOnly {
		return nil, ErrReadOnlyKernel
	}
	t := &Tx{
		k:       k,
		inner:   k.txm.Begin(),
		slave:   k.slave,
		overlay: make(map[recordKey][]byte),
	}
	if t.slave != nil && t.slave.LockToken != nil {
		t.remoteToken = t.slave.LockToken(t.inner.LocalID())
	}
	if k.metrics != nil {
		k.metrics.ActiveTx.Inc()
	}
	return t, nil
}

func lockResource(kind store.Kind) string {
	return datasource.GraphSourceName + "/" + kind.String()
}

// lockWrite takes the record's write lock, locally and (on a follower) on
// the primary.
func (t *Tx) lockWrite(kind store.Kind, id uint64) error {
	if t.finished {
		return tx.ErrTxFinished
	}
	if err := t.inner.AcquireWriteLock(lockResource(kind), id); err != nil {
		return err
	}
	if t.slave != nil && t.slave.Locks != nil {
		if err := t.slave.Locks.Acquire(t.remoteToken, []replication.LockRequest{
			{Resource: lockResource(kind), Record: id, Write: true},
		}); err != nil {
			return err
		}
		t.remoteLocks = true
	}
	return nil
}

// put records a pending after-image and its redo command.
func (t *Tx) put(kind store.Kind, id uint64, data []byte) {
	key := recordKey{kind: kind, id: id}
	var before []byte
	if prev, ok := t.overlay[key]; ok {
		before = prev
	}
	t.overlay[key] = data
	t.commands = append(t.commands, command.Command{Kind: kind, ID: id, Before: before, After: data})
}

// read returns the pending image if the transaction wrote the record, the
// store image otherwise.
func (t *Tx) read(kind store.Kind, id uint64) ([]byte, error) {
	if data, ok := t.overlay[recordKey{kind: kind, id: id}]; ok {
		return data, nil
	}
	return t.k.ns.ReadRecord(kind, id)
}

func (t *Tx) readNode(id uint64) (store.NodeRecord, error) {
	data, err := t.read(store.KindNode, id)
	if err != nil {
		return store.NodeRecord{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	rec, err := store.DecodeNode(data)
	if err != nil {
		return store.NodeRecord{}, err
	}
	if !rec.InUse {
		return store.NodeRecord{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (t *Tx) readRel(id uint64) (store.RelationshipRecord, error) {
	data, err := t.read(store.KindRelationship, id)
	if err != nil {
		return store.RelationshipRecord{}, fmt.Errorf("relationship %d: %w", id, ErrNotFound)
	}
	rec, err := store.DecodeRelationship(data)
	if err != nil {
		return store.RelationshipRecord{}, err
	}
	if !rec.InUse {
		return store.RelationshipRecord{}, fmt.Errorf("relationship %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (t *Tx) readProp(id uint64) (store.PropertyRecord, error) {
	data, err := t.read(store.KindProperty, id)
	if err != nil {
		return store.PropertyRecord{}, err
	}
	return store.DecodeProperty(data)
}

// CreateNode allocates and writes a fresh node record.
func (t *Tx) CreateNode() (uint64, error) {
	if t.finished {
		return 0, tx.ErrTxFinished
	}
	id, err := t.k.allocateID(store.KindNode)
	if err != nil {
		return 0, err
	}
	if err := t.lockWrite(store.KindNode, id); err != nil {
		return 0, err
	}
	t.put(store.KindNode, id, store.EncodeNode(store.NodeRecord{
		InUse:     true,
		FirstRel:  store.NoID,
		FirstProp: store.NoID,
	}))
	return id, nil
}

// DeleteNode removes a node and its properties. Relationships must be
// deleted first.
func (t *Tx) DeleteNode(id uint64) error {
	if err := t.lockWrite(store.KindNode, id); err != nil {
		return err
	}
	rec, err := t.readNode(id)
	if err != nil {
		return err
	}
	if rec.FirstRel != store.NoID {
		return fmt.Errorf("node %d: %w", id, ErrHasRelationships)
	}
	if err := t.freePropertyChain(rec.FirstProp); err != nil {
		return err
	}
	t.put(store.KindNode, id, store.EncodeNode(store.NodeRecord{}))
	return nil
}

// relationship chain pointer accessors, per endpoint.

func relNext(r store.RelationshipRecord, node uint64) uint64 {
	if r.StartNode == node {
		return r.StartNext
	}
	return r.EndNext
}

func relPrev(r store.RelationshipRecord, node uint64) uint64 {
	if r.StartNode == node {
		return r.StartPrev
	}
	return r.EndPrev
}

func setRelNext(r *store.RelationshipRecord, node uint64, v uint64) {
	if r.StartNode == node {
		r.StartNext = v
	} else {
		r.EndNext = v
	}
}

func setRelPrev(r *store.RelationshipRecord, node uint64, v uint64) {
	if r.StartNode == node {
		r.StartPrev = v
	} else {
		r.EndPrev = v
	}
}

// CreateRelationship threads a new relationship into the chains of both
// endpoints. A self-loop threads the node's chain once.
func (t *Tx) CreateRelationship(typeID uint32, start, end uint64) (uint64, error) {
	if t.finished {
		return 0, tx.ErrTxFinished
	}
	if err := t.lockWrite(store.KindNode, start); err != nil {
		return 0, err
	}
	if start != end {
		if err := t.lockWrite(store.KindNode, end); err != nil {
			return 0, err
		}
	}

	sRec, err := t.readNode(start)
	if err != nil {
		return 0, err
	}
	eRec := sRec
	if start != end {
		if eRec, err = t.readNode(end); err != nil {
			return 0, err
		}
	}

	relID, err := t.k.allocateID(store.KindRelationship)
	if err != nil {
		return 0, err
	}
	if err := t.lockWrite(store.KindRelationship, relID); err != nil {
		return 0, err
	}

	rel := store.RelationshipRecord{
		InUse:     true,
		StartNode: start,
		EndNode:   end,
		TypeID:    typeID,
		StartPrev: store.NoID,
		StartNext: sRec.FirstRel,
		EndPrev:   store.NoID,
		EndNext:   store.NoID,
		FirstProp: store.NoID,
	}
	if start != end {
		rel.EndNext = eRec.FirstRel
	}

	// Patch the previous chain heads to point back at the new head.
	if sRec.FirstRel != store.NoID {
		if err := t.patchPrev(sRec.FirstRel, start, relID); err != nil {
			return 0, err
		}
	}
	if start != end && eRec.FirstRel != store.NoID {
		if err := t.patchPrev(eRec.FirstRel, end, relID); err != nil {
			return 0, err
		}
	}

	t.put(store.KindRelationship, relID, store.EncodeRelationship(rel))

	sRec.FirstRel = relID
	t.put(store.KindNode, start, store.EncodeNode(sRec))
	if start != end {
		eRec.FirstRel = relID
		t.put(store.KindNode, end, store.EncodeNode(eRec))
	}
	return relID, nil
}

func (t *Tx) patchPrev(relID, node, prev uint64) error {
	if err := t.lockWrite(store.KindRelationship, relID); err != nil {
		return err
	}
	rec, err := t.readRel(relID)
	if err != nil {
		return err
	}
	setRelPrev(&rec, node, prev)
	t.put(store.KindRelationship, relID, store.EncodeRelationship(rec))
	return nil
}

// DeleteRelationship unlinks a relationship from both endpoint chains and
// removes it with its properties.
func (t *Tx) DeleteRelationship(id uint64) error {
	if err := t.lockWrite(store.KindRelationship, id); err != nil {
		return err
	}
	rec, err := t.readRel(id)
	if err != nil {
		return err
	}

	if err := t.unlink(id, rec, rec.StartNode); err != nil {
		return err
	}
	if rec.EndNode != rec.StartNode {
		if err := t.unlink(id, rec, rec.EndNode); err != nil {
			return err
		}
	}
	if err := t.freePropertyChain(rec.FirstProp); err != nil {
		return err
	}
	t.put(store.KindRelationship, id, store.EncodeRelationship(store.RelationshipRecord{}))
	return nil
}

// unlink removes one endpoint's chain membership.
func (t *Tx) unlink(relID uint64, rec store.RelationshipRecord, node uint64) error {
	if err := t.lockWrite(store.KindNode, node); err != nil {
		return err
	}
	prev := relPrev(rec, node)
	next := relNext(rec, node)

	if prev == store.NoID {
		nodeRec, err := t.readNode(node)
		if err != nil {
			return err
		}
		nodeRec.FirstRel = next
		t.put(store.KindNode, node, store.EncodeNode(nodeRec))
	} else {
		if err := t.lockWrite(store.KindRelationship, prev); err != nil {
			return err
		}
		prevRec, err := t.readRel(prev)
		if err != nil {
			return err
		}
		setRelNext(&prevRec, node, next)
		t.put(store.KindRelationship, prev, store.EncodeRelationship(prevRec))
	}

	if next != store.NoID {
		if err := t.lockWrite(store.KindRelationship, next); err != nil {
			return err
		}
		nextRec, err := t.readRel(next)
		if err != nil {
			return err
		}
		setRelPrev(&nextRec, node, prev)
		t.put(store.KindRelationship, next, store.EncodeRelationship(nextRec))
	}
	return nil
}

// CreateRelationshipType registers a type token, returning the existing id
// when the name is known.
func (t *Tx) CreateRelationshipType(name string) (uint32, error) {
	if t.finished {
		return 0, tx.ErrTxFinished
	}
	if id, ok := t.k.tokens.relTypeID(name); ok {
		return id, nil
	}
	if id, ok := t.pendingRelTypes[name]; ok {
		return id, nil
	}

	recID, err := t.k.allocateID(store.KindRelationshipType)
	if err != nil {
		return 0, err
	}
	if err := t.lockWrite(store.KindRelationshipType, recID); err != nil {
		return 0, err
	}
	nameHead, err := t.writeDynamicValue(store.KindPropertyString, []byte(name))
	if err != nil {
		return 0, err
	}
	t.put(store.KindRelationshipType, recID, store.EncodeRelationshipType(store.RelationshipTypeRecord{
		InUse:   true,
		NameRef: nameHead,
	}))

	id := uint32(recID)
	if t.pendingRelTypes == nil {
		t.pendingRelTypes = make(map[string]uint32)
	}
	t.pendingRelTypes[name] = id
	return id, nil
}

// ensurePropKey resolves (or mints) a property-key id, rewriting the key
// directory chain inside this transaction when a new key appears.
func (t *Tx) ensurePropKey(name string) (uint32, error) {
	if id, ok := t.k.tokens.propKeyID(name); ok {
		return id, nil
	}
	if id, ok := t.pendingPropKeys[name]; ok {
		return id, nil
	}
	// Another cluster member may have replicated the key here already.
	if err := t.k.refreshTokens(); err != nil {
		return 0, err
	}
	if id, ok := t.k.tokens.propKeyID(name); ok {
		return id, nil
	}

	keys, id := t.k.tokens.snapshotPropKeys(name)
	for pending, pid := range t.pendingPropKeys {
		keys[pending] = pid
		if pid >= id {
			id = pid + 1
			keys[name] = id
		}
	}
	if err := t.rewriteKeyDirectory(keys); err != nil {
		return 0, err
	}
	if t.pendingPropKeys == nil {
		t.pendingPropKeys = make(map[string]uint32)
	}
	t.pendingPropKeys[name] = id
	return id, nil
}

// rewriteKeyDirectory rewrites the reserved chain at block 0 of the
// strings store.
func (t *Tx) rewriteKeyDirectory(keys map[string]uint32) error {
	if err := t.lockWrite(store.KindPropertyString, store.KeyDirectoryBlock); err != nil {
		return err
	}
	// Free the old continuation blocks; the head slot is reused in place.
	old, err := t.chainBlocksTx(store.KindPropertyString, store.KeyDirectoryBlock)
	if err != nil {
		return err
	}
	for _, b := range old {
		if b == store.KeyDirectoryBlock {
			continue
		}
		t.put(store.KindPropertyString, b, store.EncodeDynamic(store.DynamicRecord{}))
	}
	return t.writeChainAt(store.KindPropertyString, store.KeyDirectoryBlock, encodeKeyDirectory(keys))
}

// chainBlocksTx walks a dynamic chain through the transaction overlay.
func (t *Tx) chainBlocksTx(kind store.Kind, head uint64) ([]uint64, error) {
	var out []uint64
	id := head
	for id != store.NoID {
		raw, err := t.read(kind, id)
		if err != nil {
			if id == head {
				return nil, nil
			}
			return nil, err
		}
		rec, err := store.DecodeDynamic(raw)
		if err != nil {
			return nil, err
		}
		if !rec.InUse {
			if id == head {
				return nil, nil
			}
			return nil, fmt.Errorf("dynamic chain broken at block %d", id)
		}
		out = append(out, id)
		id = rec.Next
	}
	return out, nil
}

// writeChainAt writes data into a chain whose head block id is fixed,
// allocating continuation blocks as needed.
func (t *Tx) writeChainAt(kind store.Kind, head uint64, data []byte) error {
	chunks := splitChunks(data)
	blockIDs := []uint64{head}
	for i := 1; i < len(chunks); i++ {
		id, err := t.k.allocateID(kind)
		if err != nil {
			return err
		}
		if err := t.lockWrite(kind, id); err != nil {
			return err
		}
		blockIDs = append(blockIDs, id)
	}
	for i, chunk := range chunks {
		next := store.NoID
		if i+1 < len(chunks) {
			next = blockIDs[i+1]
		}
		t.put(kind, blockIDs[i], store.EncodeDynamic(store.DynamicRecord{
			InUse:  true,
			Length: uint32(len(chunk)),
			Next:   next,
			Data:   chunk,
		}))
	}
	return nil
}

// writeDynamicValue writes data into a freshly allocated chain and returns
// its head block.
func (t *Tx) writeDynamicValue(kind store.Kind, data []byte) (uint64, error) {
	head, err := t.k.allocateID(kind)
	if err != nil {
		return 0, err
	}
	if err := t.lockWrite(kind, head); err != nil {
		return 0, err
	}
	return head, t.writeChainAt(kind, head, data)
}

func splitChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > store.DynamicDataSize {
			n = store.DynamicDataSize
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// freeDynamicChain releases every block of a value chain.
func (t *Tx) freeDynamicChain(kind store.Kind, head uint64) error {
	blocks, err := t.chainBlocksTx(kind, head)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := t.lockWrite(kind, b); err != nil {
			return err
		}
		t.put(kind, b, store.EncodeDynamic(store.DynamicRecord{}))
	}
	return nil
}

// freePropertyChain releases a whole property chain including spilled
// values.
func (t *Tx) freePropertyChain(head uint64) error {
	id := head
	for id != store.NoID {
		rec, err := t.readProp(id)
		if err != nil {
			return err
		}
		if err := t.lockWrite(store.KindProperty, id); err != nil {
			return err
		}
		if kind, ok := dynamicKindFor(rec.Type); ok && rec.InUse {
			if err := t.freeDynamicChain(kind, rec.Payload); err != nil {
				return err
			}
		}
		t.put(store.KindProperty, id, store.EncodeProperty(store.PropertyRecord{}))
		id = rec.Next
	}
	return nil
}

// entityRef abstracts nodes and relationships for the shared property
// plumbing.
type entityRef struct {
	kind store.Kind
	id   uint64
}

func (t *Tx) firstProp(e entityRef) (uint64, error) {
	switch e.kind {
	case store.KindNode:
		rec, err := t.readNode(e.id)
		if err != nil {
			return 0, err
		}
		return rec.FirstProp, nil
	case store.KindRelationship:
		rec, err := t.readRel(e.id)
		if err != nil {
			return 0, err
		}
		return rec.FirstProp, nil
	}
	return 0, fmt.Errorf("unsupported entity kind %s", e.kind)
}

func (t *Tx) setFirstProp(e entityRef, head uint64) error {
	switch e.kind {
	case store.KindNode:
		rec, err := t.readNode(e.id)
		if err != nil {
			return err
		}
		rec.FirstProp = head
		t.put(store.KindNode, e.id, store.EncodeNode(rec))
		return nil
	case store.KindRelationship:
		rec, err := t.readRel(e.id)
		if err != nil {
			return err
		}
		rec.FirstProp = head
		t.put(store.KindRelationship, e.id, store.EncodeRelationship(rec))
		return nil
	}
	return fmt.Errorf("unsupported entity kind %s", e.kind)
}

// SetNodeProperty sets (or replaces) a property on a node.
func (t *Tx) SetNodeProperty(nodeID uint64, key string, value Value) error {
	return t.setProperty(entityRef{kind: store.KindNode, id: nodeID}, key, value)
}

// SetRelationshipProperty sets (or replaces) a property on a relationship.
func (t *Tx) SetRelationshipProperty(relID uint64, key string, value Value) error {
	return t.setProperty(entityRef{kind: store.KindRelationship, id: relID}, key, value)
}

func (t *Tx) setProperty(e entityRef, key string, value Value) error {
	if t.finished {
		return tx.ErrTxFinished
	}
	if err := t.lockWrite(e.kind, e.id); err != nil {
		return err
	}
	keyID, err := t.ensurePropKey(key)
	if err != nil {
		return err
	}

	head, err := t.firstProp(e)
	if err != nil {
		return err
	}

	// Look for an existing record with this key.
	for id := head; id != store.NoID; {
		rec, err := t.readProp(id)
		if err != nil {
			return err
		}
		if rec.InUse && rec.KeyID == keyID {
			if err := t.lockWrite(store.KindProperty, id); err != nil {
				return err
			}
			if kind, ok := dynamicKindFor(rec.Type); ok {
				if err := t.freeDynamicChain(kind, rec.Payload); err != nil {
					return err
				}
			}
			payload, err := t.valuePayload(value)
			if err != nil {
				return err
			}
			rec.Type = value.Type
			rec.Payload = payload
			t.put(store.KindProperty, id, store.EncodeProperty(rec))
			return nil
		}
		id = rec.Next
	}

	// New property: insert at chain head.
	propID, err := t.k.allocateID(store.KindProperty)
	if err != nil {
		return err
	}
	if err := t.lockWrite(store.KindProperty, propID); err != nil {
		return err
	}
	payload, err := t.valuePayload(value)
	if err != nil {
		return err
	}
	t.put(store.KindProperty, propID, store.EncodeProperty(store.PropertyRecord{
		InUse:   true,
		KeyID:   keyID,
		Type:    value.Type,
		Payload: payload,
		Next:    head,
	}))
	return t.setFirstProp(e, propID)
}

func (t *Tx) valuePayload(v Value) (uint64, error) {
	if kind, ok := dynamicKindFor(v.Type); ok {
		data := v.Bytes
		if v.Type == store.PropertyString {
			data = []byte(v.Str)
		}
		return t.writeDynamicValue(kind, data)
	}
	switch v.Type {
	case store.PropertyInt, store.PropertyFloat, store.PropertyBool:
		return v.inlinePayload(), nil
	}
	return 0, fmt.Errorf("unsupported property type %d", v.Type)
}

// RemoveNodeProperty deletes a property from a node.
func (t *Tx) RemoveNodeProperty(nodeID uint64, key string) error {
	return t.removeProperty(entityRef{kind: store.KindNode, id: nodeID}, key)
}

// RemoveRelationshipProperty deletes a property from a relationship.
func (t *Tx) RemoveRelationshipProperty(relID uint64, key string) error {
	return t.removeProperty(entityRef{kind: store.KindRelationship, id: relID}, key)
}

func (t *Tx) removeProperty(e entityRef, key string) error {
	if t.finished {
		return tx.ErrTxFinished
	}
	keyID, ok := t.k.tokens.propKeyID(key)
	if !ok {
		if id, pending := t.pendingPropKeys[key]; pending {
			keyID = id
		} else {
			return nil
		}
	}
	if err := t.lockWrite(e.kind, e.id); err != nil {
		return err
	}

	head, err := t.firstProp(e)
	if err != nil {
		return err
	}

	prev := store.NoID
	for id := head; id != store.NoID; {
		rec, err := t.readProp(id)
		if err != nil {
			return err
		}
		if rec.InUse && rec.KeyID == keyID {
			if err := t.lockWrite(store.KindProperty, id); err != nil {
				return err
			}
			if kind, ok := dynamicKindFor(rec.Type); ok {
				if err := t.freeDynamicChain(kind, rec.Payload); err != nil {
					return err
				}
			}
			if prev == store.NoID {
				if err := t.setFirstProp(e, rec.Next); err != nil {
					return err
				}
			} else {
				prevRec, err := t.readProp(prev)
				if err != nil {
					return err
				}
				if err := t.lockWrite(store.KindProperty, prev); err != nil {
					return err
				}
				prevRec.Next = rec.Next
				t.put(store.KindProperty, prev, store.EncodeProperty(prevRec))
			}
			t.put(store.KindProperty, id, store.EncodeProperty(store.PropertyRecord{}))
			return nil
		}
		prev = id
		id = rec.Next
	}
	return nil
}

// HasWrites reports whether the transaction mutated anything.
func (t *Tx) HasWrites() bool { return len(t.commands) > 0 }

// Commit makes the transaction durable: locally on a primary, through the
// primary's RPC on a follower.
func (t *Tx) Commit() error {
	if t.finished {
		return tx.ErrTxFinished
	}
	t.finished = true

	defer func() {
		if t.k.metrics != nil {
			t.k.metrics.ActiveTx.Dec()
		}
	}()

	if len(t.commands) == 0 {
		t.releaseRemote()
		return t.inner.Rollback()
	}

	if t.slave != nil {
		blob := command.EncodeList(t.commands)
		_, _, err := t.slave.Commit([][]byte{blob})
		t.releaseRemote()
		t.inner.Rollback() // local lock release only
		if err != nil {
			if t.k.metrics != nil {
				t.k.metrics.RollbacksTotal.Inc()
			}
			return err
		}
		t.installTokens()
		if t.k.metrics != nil {
			t.k.metrics.CommitsTotal.Inc()
		}
		return nil
	}

	graphTx := t.k.graph.BeginTx()
	for _, c := range t.commands {
		graphTx.AddCommand(c)
	}
	if err := t.inner.Enlist(graphTx); err != nil {
		t.inner.Rollback()
		return err
	}
	if _, err := t.inner.Commit(); err != nil {
		if t.k.metrics != nil {
			t.k.metrics.RollbacksTotal.Inc()
		}
		return err
	}
	t.installTokens()
	if t.k.metrics != nil {
		t.k.metrics.CommitsTotal.Inc()
	}
	return nil
}

// Rollback discards everything the transaction buffered.
func (t *Tx) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	if t.k.metrics != nil {
		t.k.metrics.ActiveTx.Dec()
		t.k.metrics.RollbacksTotal.Inc()
	}
	t.releaseRemote()
	return t.inner.Rollback()
}

func (t *Tx) releaseRemote() {
	if t.slave != nil && t.slave.Locks != nil && t.remoteLocks {
		// Best effort: the primary reaps the session when this follower's
		// registration expires.
		if err := t.slave.Locks.Release(t.remoteToken); err != nil {
			t.k.logger.Warn("failed to release remote locks", logging.Error(err))
		}
	}
}

func (t *Tx) installTokens() {
	for name, id := range t.pendingRelTypes {
		t.k.tokens.installRelType(name, id)
	}
	for name, id := range t.pendingPropKeys {
		t.k.tokens.installPropKey(name, id)
	}
}
