package store

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
)

// backend abstracts how record-file bytes reach the OS: either through
// memory-mapped windows or plain pread/pwrite.
type backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Sync() error
	Close() error
}

// growChunk is the amount a backing file grows by when a write lands past
// its current end. Coarse growth keeps mmap remapping rare.
const growChunk = 1 << 20

// AutoMemoryMapped picks the default page backend for this process: mapped
// windows when the address space is 64-bit, pread/pwrite otherwise.
func AutoMemoryMapped() bool {
	return strconv.IntSize == 64
}

func openBackend(path string, useMmap bool, readOnly bool) (backend, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if useMmap && !readOnly {
		mb, err := newMmapBackend(f)
		if err != nil {
			// Fall back to plain file IO when mapping fails.
			return &fileBackend{f: f}, nil
		}
		return mb, nil
	}
	return &fileBackend{f: f}, nil
}

// fileBackend does direct positional IO against the file.
type fileBackend struct {
	f  *os.File
	mu sync.Mutex
}

func (b *fileBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *fileBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *fileBackend) Size() int64 {
	info, err := b.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (b *fileBackend) Sync() error  { return b.f.Sync() }
func (b *fileBackend) Close() error { return b.f.Close() }

// mmapBackend maps the whole file and grows the mapping in growChunk steps.
type mmapBackend struct {
	f      *os.File
	data   []byte
	length int64 // logical end of written data
	mu     sync.RWMutex
}

func newMmapBackend(f *os.File) (*mmapBackend, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	mapped := size
	if mapped == 0 {
		mapped = growChunk
		if err := f.Truncate(mapped); err != nil {
			return nil, err
		}
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(mapped), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &mmapBackend{f: f, data: data, length: size}, nil
}

func (b *mmapBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off+int64(len(p)) > b.length {
		return 0, fmt.Errorf("read past end of mapped file")
	}
	copy(p, b.data[off:off+int64(len(p))])
	return len(p), nil
}

func (b *mmapBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		if err := b.growLocked(end); err != nil {
			return 0, err
		}
	}
	copy(b.data[off:end], p)
	if end > b.length {
		b.length = end
	}
	return len(p), nil
}

// growLocked remaps the file at a larger size. Caller holds the write lock.
func (b *mmapBackend) growLocked(atLeast int64) error {
	newSize := int64(len(b.data))
	for newSize < atLeast {
		newSize += growChunk
	}
	if err := syscall.Munmap(b.data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	if err := b.f.Truncate(newSize); err != nil {
		return err
	}
	data, err := syscall.Mmap(int(b.f.Fd()), 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap grow failed: %w", err)
	}
	b.data = data
	return nil
}

func (b *mmapBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.length
}

func (b *mmapBackend) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	// MS_SYNC on the whole mapping, then fsync for the metadata.
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC,
		uintptr(unsafeSliceAddr(b.data)), uintptr(len(b.data)), uintptr(syscall.MS_SYNC))
	if errno != 0 {
		return errno
	}
	return b.f.Sync()
}

func (b *mmapBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	length := b.length
	if err := syscall.Munmap(b.data); err != nil {
		return err
	}
	b.data = nil
	// Trim the pre-grown tail so the on-disk file ends at the last record.
	if err := b.f.Truncate(length); err != nil {
		return err
	}
	return b.f.Close()
}
