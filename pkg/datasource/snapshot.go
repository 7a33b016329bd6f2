package datasource

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmontag/arbordb/pkg/command"
	"github.com/dmontag/arbordb/pkg/store"
	"github.com/dmontag/arbordb/pkg/txlog"
)

// SnapshotFile is one file of a store copy, path relative to the store
// directory.
type SnapshotFile struct {
	Path string
	Data []byte
}

// Committer is implemented by sources that accept forwarded commits on the
// primary.
type Committer interface {
	// CommitRemote runs a full prepare+commit of a forwarded command
	// stream and returns the assigned tx id.
	CommitRemote(commands [][]byte, epoch uint64) (uint64, error)
}

// CommitRemote implements Committer for the graph source.
func (g *GraphSource) CommitRemote(commands [][]byte, epoch uint64) (uint64, error) {
	t := g.BeginTx()
	for _, raw := range commands {
		cmds, err := command.DecodeList(raw)
		if err != nil {
			return 0, fmt.Errorf("bad forwarded command stream: %w", err)
		}
		for _, c := range cmds {
			t.AddCommand(c)
		}
	}
	if err := t.Prepare(); err != nil {
		t.Rollback()
		return 0, err
	}
	return t.Commit(epoch)
}

// CommitRemote implements Committer for memory sources.
func (m *MemorySource) CommitRemote(commands [][]byte, epoch uint64) (uint64, error) {
	t := m.BeginTx()
	for _, raw := range commands {
		t.Add(raw)
	}
	if err := t.Prepare(); err != nil {
		t.Rollback()
		return 0, err
	}
	return t.Commit(epoch)
}

// Snapshot captures a consistent copy of every store and log file. Commits
// are blocked for the duration, so the copy needs no log tail; the tx id
// the copy represents is returned for the follower's baseline.
func (g *GraphSource) Snapshot() ([]SnapshotFile, uint64, error) {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	if err := g.log.Force(); err != nil {
		return nil, 0, err
	}
	if err := g.ns.FlushAll(); err != nil {
		return nil, 0, err
	}

	dir := g.ns.Dir()
	var paths []string
	for _, name := range store.FileNames() {
		paths = append(paths, name, name+".id")
	}
	logFiles, err := g.log.Files()
	if err != nil {
		return nil, 0, err
	}
	for _, p := range logFiles {
		paths = append(paths, filepath.Base(p))
	}
	paths = append(paths, txlog.MarkerName)

	files := make([]SnapshotFile, 0, len(paths))
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s for snapshot: %w", rel, err)
		}
		files = append(files, SnapshotFile{Path: rel, Data: data})
	}
	return files, g.lastCommitted, nil
}

// WriteSnapshotFiles installs a received store copy into dir.
func WriteSnapshotFiles(dir string, files []SnapshotFile) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	for _, f := range files {
		target := filepath.Join(dir, filepath.Clean(f.Path))
		if err := os.WriteFile(target, f.Data, 0644); err != nil {
			return fmt.Errorf("failed to install %s: %w", f.Path, err)
		}
	}
	return nil
}
