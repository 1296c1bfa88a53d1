// Package mmapfile manages a single memory-mapped data file: open-or-create,
// power-of-two growth, msync, and truncate-with-rollback. The open/grow/remap
// sequence is grounded on the dittofs cache mmap backing
// (other_examples/d6c8e96d_marmos91-dittofs__pkg-cache-mmap.go.go's
// createMmap/ensureMmapSpace/closeMmapLocked), generalized from that file's
// fixed growth factor and log-entry format to vaultkv's page-aligned,
// header-agnostic region.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize is the OS page granularity every file size is rounded up to.
var PageSize = os.Getpagesize()

// File wraps an open, memory-mapped, page-sized-or-larger file.
type File struct {
	f    *os.File
	data []byte
}

// OpenOrCreate opens path for read/write, creating it at minSize (rounded up
// to a page) if it doesn't exist, and maps it PROT_READ|PROT_WRITE
// MAP_SHARED.
func OpenOrCreate(path string, minSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}

	size := int(info.Size())
	if size == 0 {
		size = roundUpToPage(minSize)
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmapfile: truncate %s: %w", path, err)
		}
	}

	data, err := mmap(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{f: f, data: data}, nil
}

func mmap(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: mmap: %w", err)
	}
	return data, nil
}

func roundUpToPage(n int) int {
	if n <= 0 {
		return PageSize
	}
	return (n + PageSize - 1) / PageSize * PageSize
}

// Data returns the currently mapped region. The returned slice is invalidated
// by any subsequent call to Truncate or Grow.
func (m *File) Data() []byte { return m.data }

// Size returns the current mapped (and on-disk) size in bytes.
func (m *File) Size() int { return len(m.data) }

// NextPowerOfTwoSize returns the next file size to grow to when at least
// need more bytes beyond current are required: doubling current size until
// it's large enough, per spec.md §4.4 "grow by power-of-two."
func (m *File) NextPowerOfTwoSize(need int) int {
	want := len(m.data) + need
	size := len(m.data)
	if size == 0 {
		size = PageSize
	}
	for size < want {
		size *= 2
	}
	return roundUpToPage(size)
}

// Truncate resizes the file and its mapping to newSize, unmapping, calling
// ftruncate, and re-mmapping. Bytes beyond the old size are zero-filled by
// the OS; bytes added are never left uninitialized so CRC computation over
// the grown region stays deterministic. On failure an error is returned and
// the file is put back to its previous size and mapped again at that size
// (unless that recovery itself fails); as with any Truncate, slices obtained
// from Data before the call are no longer valid.
func (m *File) Truncate(newSize int) error {
	newSize = roundUpToPage(newSize)
	if newSize == len(m.data) {
		return nil
	}

	old := m.data
	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("mmapfile: munmap: %w", err)
	}
	m.data = nil

	if err := m.f.Truncate(int64(newSize)); err != nil {
		// Attempt to restore the previous mapping so the File stays usable.
		if remapped, rerr := mmap(m.f, len(old)); rerr == nil {
			m.data = remapped
		}
		return fmt.Errorf("mmapfile: truncate: %w", err)
	}

	data, err := mmap(m.f, newSize)
	if err != nil {
		// Restore the previous size and mapping so the File stays usable.
		if terr := m.f.Truncate(int64(len(old))); terr == nil {
			if remapped, rerr := mmap(m.f, len(old)); rerr == nil {
				m.data = remapped
			}
		}
		return err
	}
	m.data = data
	return nil
}

// Msync flushes dirty pages. sync selects MS_SYNC (blocking) over
// MS_ASYNC (fire-and-forget).
func (m *File) Msync(sync bool) error {
	flag := unix.MS_ASYNC
	if sync {
		flag = unix.MS_SYNC
	}
	if err := unix.Msync(m.data, flag); err != nil {
		return fmt.Errorf("mmapfile: msync: %w", err)
	}
	return nil
}

// Fd returns the underlying file descriptor, for callers (e.g. filelock)
// that need to flock the same file.
func (m *File) Fd() uintptr { return m.f.Fd() }

// Close flushes and releases the mapping and closes the underlying file.
func (m *File) Close() error {
	if m.data != nil {
		_ = unix.Msync(m.data, unix.MS_SYNC)
		if err := unix.Munmap(m.data); err != nil {
			m.f.Close()
			return fmt.Errorf("mmapfile: munmap: %w", err)
		}
		m.data = nil
	}
	if err := m.f.Close(); err != nil {
		return fmt.Errorf("mmapfile: close: %w", err)
	}
	return nil
}
