package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// IDGenerator hands out record ids from a persisted high-water mark and an
// in-memory free-list of reclaimed ids. The free-list is written to the .id
// file on clean close; a sticky byte marks the file dirty while the store is
// open so a crash forces a rebuild by store scan.
type IDGenerator struct {
	path       string
	reserveLow uint64
	highID     uint64
	free       []uint64
	closed     bool
	readOnly   bool
	mu         sync.Mutex
}

const (
	idFileClean byte = 0
	idFileDirty byte = 1
)

// OpenIDGenerator opens or creates the .id sibling of a store file.
// needsRebuild is true when the previous session did not close cleanly; the
// caller must rescan the store and call Rebuild before allocating. In
// read-only mode the file is left untouched.
func OpenIDGenerator(path string, reserveLow uint64, readOnly bool) (gen *IDGenerator, needsRebuild bool, err error) {
	gen = &IDGenerator{path: path, reserveLow: reserveLow, highID: reserveLow, readOnly: readOnly}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if readOnly {
			return nil, false, fmt.Errorf("id file %s: %w", path, ErrStoreMissing)
		}
		// Fresh store: persist the dirty marker and start empty.
		if err := gen.markDirty(); err != nil {
			return nil, false, err
		}
		return gen, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read id file %s: %w", path, err)
	}

	if len(data) < 9 {
		return nil, false, fmt.Errorf("id file %s: %w", path, ErrBadHeader)
	}
	sticky := data[0]
	gen.highID = binary.LittleEndian.Uint64(data[1:9])
	if gen.highID < reserveLow {
		gen.highID = reserveLow
	}

	if sticky != idFileClean {
		// Crash: the free-list on disk is untrustworthy.
		if !readOnly {
			if err := gen.markDirty(); err != nil {
				return nil, false, err
			}
		}
		return gen, true, nil
	}

	for off := 9; off+8 <= len(data); off += 8 {
		gen.free = append(gen.free, binary.LittleEndian.Uint64(data[off:]))
	}
	if readOnly {
		return gen, false, nil
	}
	if err := gen.markDirty(); err != nil {
		return nil, false, err
	}
	return gen, false, nil
}

// markDirty rewrites the file header with the sticky byte set.
func (g *IDGenerator) markDirty() error {
	buf := make([]byte, 9)
	buf[0] = idFileDirty
	binary.LittleEndian.PutUint64(buf[1:], g.highID)
	if err := os.WriteFile(g.path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write id file %s: %w", g.path, err)
	}
	return syncFile(g.path)
}

// Allocate returns the next id, preferring reclaimed ids.
func (g *IDGenerator) Allocate() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrStoreClosed
	}
	if n := len(g.free); n > 0 {
		id := g.free[n-1]
		g.free = g.free[:n-1]
		return id, nil
	}
	if g.highID == NoID {
		return 0, ErrIDExhausted
	}
	id := g.highID
	g.highID++
	return id, nil
}

// Release returns a reclaimed id to the free-list.
func (g *IDGenerator) Release(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || id < g.reserveLow || id >= g.highID {
		return
	}
	g.free = append(g.free, id)
}

// EnsureHigh bumps the high-water mark to cover an externally assigned id.
// Replicated commands carry ids allocated on the primary.
func (g *IDGenerator) EnsureHigh(next uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if next > g.highID {
		g.highID = next
	}
}

// HighID returns the current high-water mark.
func (g *IDGenerator) HighID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.highID
}

// Rebuild replaces generator state after a store scan following a crash.
func (g *IDGenerator) Rebuild(highID uint64, free []uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if highID < g.reserveLow {
		highID = g.reserveLow
	}
	g.highID = highID
	g.free = append([]uint64(nil), free...)
}

// Close writes the clean file: header plus the free-list.
func (g *IDGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.readOnly {
		return nil
	}

	buf := make([]byte, 9+8*len(g.free))
	buf[0] = idFileClean
	binary.LittleEndian.PutUint64(buf[1:], g.highID)
	for i, id := range g.free {
		binary.LittleEndian.PutUint64(buf[9+8*i:], id)
	}
	if err := os.WriteFile(g.path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write id file %s: %w", g.path, err)
	}
	return syncFile(g.path)
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
