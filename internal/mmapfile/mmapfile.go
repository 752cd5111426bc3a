// Package mmapfile provides the low-level file+mmap plumbing shared by
// segment and control: create-by-temp-then-rename, open-or-
// create, prefault, and optional mlock. Grounded in the seqlock/mmap
// idioms used across the example pack's shared-memory stores (notably the
// slotcache and shm packages), adapted into idiomatic wrapped syscalls via
// golang.org/x/sys/unix instead of raw syscall.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is an open file descriptor plus its mmap'd bytes.
type Mapping struct {
	f    *os.File
	Data []byte
}

// CreateTemp exclusively creates a new file at tmpPath (failing if it
// already exists), ftruncates it to size, and mmaps it
// PROT_READ|PROT_WRITE/MAP_SHARED. The temp file is not renamed into place;
// callers do that via PublishTemp once initialization (header write,
// prefault) is complete.
func CreateTemp(tmpPath string, size int) (*Mapping, error) {
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: create %s: %w", tmpPath, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("mmapfile: truncate %s: %w", tmpPath, err)
	}
	m, err := mapFile(f, size)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return m, nil
}

// OpenOrCreate tries to open an existing file first; only if absent does it
// create a new one of exactly size bytes. This never truncates an existing
// file, so content published by a background preparer between the caller's
// check and this call is preserved (spec §4.2 "Open-or-create").
func OpenOrCreate(path string, size int) (m *Mapping, created bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err == nil {
		st, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, false, statErr
		}
		if int(st.Size()) != size {
			f.Close()
			return nil, false, fmt.Errorf("mmapfile: %s has size %d, want %d", path, st.Size(), size)
		}
		m, err = mapFile(f, size)
		if err != nil {
			f.Close()
			return nil, false, err
		}
		return m, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}

	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Lost the create race; fall back to opening what's there.
			return OpenOrCreate(path, size)
		}
		return nil, false, fmt.Errorf("mmapfile: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("mmapfile: truncate %s: %w", path, err)
	}
	m, err = mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return m, true, nil
}

// Open maps an existing file read-write without creating it.
func Open(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m, err := mapFile(f, int(st.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func mapFile(f *os.File, size int) (*Mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: mmap: %w", err)
	}
	return &Mapping{f: f, Data: data}, nil
}

// Prefault walks every OS page of the mapping to force physical
// allocation, per spec §4.2's segment-prepare step ("walk every OS page to
// force physical allocation and wire them in").
func (m *Mapping) Prefault() {
	const pageSize = 4096
	for i := 0; i < len(m.Data); i += pageSize {
		m.Data[i] = m.Data[i]
	}
}

// Mlock locks the mapping's pages into physical memory.
func (m *Mapping) Mlock() error {
	if err := unix.Mlock(m.Data); err != nil {
		return fmt.Errorf("mmapfile: mlock: %w", err)
	}
	return nil
}

// Sync fsyncs the underlying file (not just msync on the mapping; we also
// want the file's own metadata flushed for durability modes that need it).
func (m *Mapping) Sync() error {
	if err := unix.Msync(m.Data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapfile: msync: %w", err)
	}
	return m.f.Sync()
}

// Close unmaps and closes the file. The mapping must not be used
// afterward.
func (m *Mapping) Close() error {
	err := unix.Munmap(m.Data)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// File returns the underlying *os.File for callers that need Fd()-level
// operations (e.g. advisory locks) alongside the mapping.
func (m *Mapping) File() *os.File { return m.f }

// PublishTemp renames tmpPath to finalPath using a non-replacing rename so
// a stale preallocation can never clobber a live file (spec §4.2 "Publish").
func PublishTemp(tmpPath, finalPath string) error {
	if err := renameNoReplace(tmpPath, finalPath); err != nil {
		return fmt.Errorf("mmapfile: rename %s -> %s: %w", tmpPath, finalPath, err)
	}
	return nil
}
