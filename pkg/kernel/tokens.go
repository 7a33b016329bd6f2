package kernel

import (
	"fmt"
	"sync"

	"github.com/dmontag/arbordb/pkg/store"
)

// tokenCache holds the relationship-type and property-key tables, small
// enough to cache fully in memory. Relationship types persist as records in
// the relationship-type store with their names in the strings store; the
// property-key directory persists as the reserved dynamic chain at block 0
// of the strings store.
type tokenCache struct {
	mu           sync.RWMutex
	relTypes     map[string]uint32
	relTypeNames map[uint32]string
	propKeys     map[string]uint32
	propKeyNames map[uint32]string
	nextPropKey  uint32
}

func loadTokens(ns *store.NeoStore) (*tokenCache, error) {
	tc := &tokenCache{
		relTypes:     make(map[string]uint32),
		relTypeNames: make(map[uint32]string),
		propKeys:     make(map[string]uint32),
		propKeyNames: make(map[uint32]string),
		nextPropKey:  1,
	}

	err := ns.Store(store.KindRelationshipType).Scan(func(id uint64, data []byte) error {
		rec, err := store.DecodeRelationshipType(data)
		if err != nil {
			return err
		}
		if !rec.InUse {
			return nil
		}
		name, err := readDynamicChain(ns, store.KindPropertyString, rec.NameRef)
		if err != nil {
			return fmt.Errorf("failed to read relationship type %d name: %w", id, err)
		}
		tc.relTypes[string(name)] = uint32(id)
		tc.relTypeNames[uint32(id)] = string(name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	dirData, err := readDynamicChain(ns, store.KindPropertyString, store.KeyDirectoryBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to read property key directory: %w", err)
	}
	keys, err := decodeKeyDirectory(dirData)
	if err != nil {
		return nil, err
	}
	for name, id := range keys {
		tc.propKeys[name] = id
		tc.propKeyNames[id] = name
		if id >= tc.nextPropKey {
			tc.nextPropKey = id + 1
		}
	}
	return tc, nil
}

// readDynamicChain collects the data of a dynamic-record chain. A head
// block that was never written reads as empty.
func readDynamicChain(ns *store.NeoStore, kind store.Kind, head uint64) ([]byte, error) {
	if head == store.NoID {
		return nil, nil
	}
	var out []byte
	id := head
	for id != store.NoID {
		raw, err := ns.ReadRecord(kind, id)
		if err != nil {
			if id == head {
				// Reserved head slot before first write.
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
		out = append(out, rec.Data...)
		id = rec.Next
	}
	return out, nil
}

// chainBlocks lists the block ids of a dynamic chain.
func chainBlocks(ns *store.NeoStore, kind store.Kind, head uint64) ([]uint64, error) {
	if head == store.NoID {
		return nil, nil
	}
	var out []uint64
	id := head
	for id != store.NoID {
		raw, err := ns.ReadRecord(kind, id)
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

func (tc *tokenCache) relTypeID(name string) (uint32, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	id, ok := tc.relTypes[name]
	return id, ok
}

func (tc *tokenCache) relTypeName(id uint32) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	name, ok := tc.relTypeNames[id]
	return name, ok
}

func (tc *tokenCache) propKeyID(name string) (uint32, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	id, ok := tc.propKeys[name]
	return id, ok
}

func (tc *tokenCache) propKeyName(id uint32) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	name, ok := tc.propKeyNames[id]
	return name, ok
}

// snapshotPropKeys copies the key table with a new key added; the caller
// commits the rewritten directory before installTokens makes it visible.
func (tc *tokenCache) snapshotPropKeys(newName string) (map[string]uint32, uint32) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make(map[string]uint32, len(tc.propKeys)+1)
	for k, v := range tc.propKeys {
		out[k] = v
	}
	id := tc.nextPropKey
	out[newName] = id
	return out, id
}

func (tc *tokenCache) installPropKey(name string, id uint32) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.propKeys[name] = id
	tc.propKeyNames[id] = name
	if id >= tc.nextPropKey {
		tc.nextPropKey = id + 1
	}
}

func (tc *tokenCache) installRelType(name string, id uint32) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.relTypes[name] = id
	tc.relTypeNames[id] = name
}
