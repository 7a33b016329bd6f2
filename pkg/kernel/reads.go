package kernel

import (
	"fmt"

	"github.com/dmontag/arbordb/pkg/store"
)

// RelationshipInfo is one relationship as seen from a node.
type RelationshipInfo struct {
	ID        uint64
	TypeID    uint32
	StartNode uint64
	EndNode   uint64
}

// NodeExists reports whether a node record is in use.
func (k *Kernel) NodeExists(id uint64) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.ready(); err != nil {
		return false, err
	}
	data, err := k.ns.ReadRecord(store.KindNode, id)
	if err != nil {
		return false, nil
	}
	rec, err := store.DecodeNode(data)
	if err != nil {
		return false, err
	}
	return rec.InUse, nil
}

// RelationshipExists reports whether a relationship record is in use.
func (k *Kernel) RelationshipExists(id uint64) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.ready(); err != nil {
		return false, err
	}
	data, err := k.ns.ReadRecord(store.KindRelationship, id)
	if err != nil {
		return false, nil
	}
	rec, err := store.DecodeRelationship(data)
	if err != nil {
		return false, err
	}
	return rec.InUse, nil
}

// Relationships walks a node's relationship chain.
func (k *Kernel) Relationships(nodeID uint64) ([]RelationshipInfo, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.ready(); err != nil {
		return nil, err
	}

	data, err := k.ns.ReadRecord(store.KindNode, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	node, err := store.DecodeNode(data)
	if err != nil {
		return nil, err
	}
	if !node.InUse {
		return nil, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}

	var out []RelationshipInfo
	for relID := node.FirstRel; relID != store.NoID; {
		raw, err := k.ns.ReadRecord(store.KindRelationship, relID)
		if err != nil {
			return nil, err
		}
		rec, err := store.DecodeRelationship(raw)
		if err != nil {
			return nil, err
		}
		if !rec.InUse {
			return nil, fmt.Errorf("relationship chain of node %d broken at %d", nodeID, relID)
		}
		out = append(out, RelationshipInfo{
			ID:        relID,
			TypeID:    rec.TypeID,
			StartNode: rec.StartNode,
			EndNode:   rec.EndNode,
		})
		if rec.StartNode == nodeID {
			relID = rec.StartNext
		} else {
			relID = rec.EndNext
		}
	}
	return out, nil
}

// GetNodeProperty reads a node property by key.
func (k *Kernel) GetNodeProperty(nodeID uint64, key string) (Value, bool, error) {
	return k.getProperty(store.KindNode, nodeID, key)
}

// GetRelationshipProperty reads a relationship property by key.
func (k *Kernel) GetRelationshipProperty(relID uint64, key string) (Value, bool, error) {
	return k.getProperty(store.KindRelationship, relID, key)
}

func (k *Kernel) getProperty(kind store.Kind, id uint64, key string) (Value, bool, error) {
	k.mu.RLock()
	if err := k.ready(); err != nil {
		k.mu.RUnlock()
		return Value{}, false, err
	}
	ns := k.ns
	tokens := k.tokens
	k.mu.RUnlock()

	keyID, ok := tokens.propKeyID(key)
	if !ok {
		// The key may have arrived through replication.
		if err := k.refreshTokens(); err != nil {
			return Value{}, false, err
		}
		k.mu.RLock()
		tokens = k.tokens
		k.mu.RUnlock()
		if keyID, ok = tokens.propKeyID(key); !ok {
			return Value{}, false, nil
		}
	}

	var head uint64
	switch kind {
	case store.KindNode:
		data, err := ns.ReadRecord(store.KindNode, id)
		if err != nil {
			return Value{}, false, fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		rec, err := store.DecodeNode(data)
		if err != nil {
			return Value{}, false, err
		}
		if !rec.InUse {
			return Value{}, false, fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		head = rec.FirstProp
	case store.KindRelationship:
		data, err := ns.ReadRecord(store.KindRelationship, id)
		if err != nil {
			return Value{}, false, fmt.Errorf("relationship %d: %w", id, ErrNotFound)
		}
		rec, err := store.DecodeRelationship(data)
		if err != nil {
			return Value{}, false, err
		}
		if !rec.InUse {
			return Value{}, false, fmt.Errorf("relationship %d: %w", id, ErrNotFound)
		}
		head = rec.FirstProp
	default:
		return Value{}, false, fmt.Errorf("unsupported entity kind %s", kind)
	}

	for propID := head; propID != store.NoID; {
		raw, err := ns.ReadRecord(store.KindProperty, propID)
		if err != nil {
			return Value{}, false, err
		}
		rec, err := store.DecodeProperty(raw)
		if err != nil {
			return Value{}, false, err
		}
		if rec.InUse && rec.KeyID == keyID {
			var dynamic []byte
			if dynKind, ok := dynamicKindFor(rec.Type); ok {
				dynamic, err = readDynamicChain(ns, dynKind, rec.Payload)
				if err != nil {
					return Value{}, false, err
				}
			}
			return valueFromRecord(rec, dynamic), true, nil
		}
		propID = rec.Next
	}
	return Value{}, false, nil
}

// RelationshipTypeName resolves a type token.
func (k *Kernel) RelationshipTypeName(id uint32) (string, bool) {
	k.mu.RLock()
	tokens := k.tokens
	k.mu.RUnlock()
	if tokens == nil {
		return "", false
	}
	if name, ok := tokens.relTypeName(id); ok {
		return name, true
	}
	if err := k.refreshTokens(); err != nil {
		return "", false
	}
	k.mu.RLock()
	tokens = k.tokens
	k.mu.RUnlock()
	return tokens.relTypeName(id)
}

// RelationshipTypeID resolves a type name.
func (k *Kernel) RelationshipTypeID(name string) (uint32, bool) {
	k.mu.RLock()
	tokens := k.tokens
	k.mu.RUnlock()
	if tokens == nil {
		return 0, false
	}
	if id, ok := tokens.relTypeID(name); ok {
		return id, true
	}
	if err := k.refreshTokens(); err != nil {
		return 0, false
	}
	k.mu.RLock()
	tokens = k.tokens
	k.mu.RUnlock()
	return tokens.relTypeID(name)
}
