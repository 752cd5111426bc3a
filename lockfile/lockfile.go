// Package lockfile implements the exclusive writer-lock protocol of spec
// §4.4: an advisory OS file lock on writer.lock guards against two
// publishers racing, and an embedded identity record (pid, start-time,
// writer epoch) lets a contending opener distinguish a live owner from a
// stale lock left by a dead (or pid-reused) process.
package lockfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronicle-wal/chronicle/errs"
	"github.com/chronicle-wal/chronicle/internal/procutil"
)

const identitySize = 32 // pid:8 + start_time_ns:8 + epoch:8 + reserved:8

// Identity is the on-disk record describing the lock's current owner.
type Identity struct {
	PID       int32
	StartTime time.Time
	Epoch     uint64
}

// Lock is a held handle on writer.lock. Release (or process exit) drops the
// advisory OS lock automatically.
type Lock struct {
	f *os.File
}

// Acquire attempts to take the exclusive writer lock at path. On success it
// writes a fresh identity record with epoch = previousEpoch+1 and returns a
// guarded handle. On contention it probes the recorded owner's liveness: if
// the owner is provably dead, Acquire reclaims the lock; otherwise it
// returns errs.ErrWriterAlreadyActive (spec P7).
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return reclaimOrFail(f, path)
		}
		f.Close()
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	epoch, err := nextEpoch(f)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	if err := writeIdentity(f, Identity{PID: int32(os.Getpid()), StartTime: myStartTime(), Epoch: epoch}); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// reclaimOrFail is called when flock contends. It reads the current
// identity record and probes liveness of the recorded pid; a provably dead
// owner's lock is reclaimed by retrying the non-blocking flock once more
// (flock is held by the owner's fd table entry until it actually exits; by
// the time we observe the identity as stale the kernel has typically
// already released it). If that retry still contends, it gives up with
// ErrWriterAlreadyActive.
func reclaimOrFail(f *os.File, path string) (*Lock, error) {
	id, err := readIdentity(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrWriterAlreadyActive, path, err)
	}

	alive, possiblyAlive := procutil.IsLive(int(id.PID), id.StartTime)
	if alive || possiblyAlive {
		f.Close()
		return nil, fmt.Errorf("%w: pid %d holds %s", errs.ErrWriterAlreadyActive, id.PID, path)
	}

	// Owner looks dead. Try once more to take the lock now that we've
	// established that; if another process beat us to it, surface the
	// normal contention error rather than looping forever.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: lost race reclaiming %s", errs.ErrWriterAlreadyActive, path)
	}

	epoch := id.Epoch + 1
	if err := writeIdentity(f, Identity{PID: int32(os.Getpid()), StartTime: myStartTime(), Epoch: epoch}); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

func nextEpoch(f *os.File) (uint64, error) {
	id, err := readIdentity(f)
	if err != nil {
		return 1, nil // empty/new lock file
	}
	return id.Epoch + 1, nil
}

// Epoch returns this lock's writer epoch, used to tag new segments so a
// stale preallocator hand-off from a prior writer incarnation can never be
// mistaken for the current one.
func (l *Lock) Epoch() uint64 {
	id, err := readIdentity(l.f)
	if err != nil {
		return 0
	}
	return id.Epoch
}

// Release drops the advisory lock and closes the file. Safe to call once;
// process exit also releases the OS-level lock automatically (spec §4.4).
func (l *Lock) Release() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

func writeIdentity(f *os.File, id Identity) error {
	buf := make([]byte, identitySize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(id.PID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(id.StartTime.UnixNano()))
	binary.LittleEndian.PutUint64(buf[16:], id.Epoch)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("lockfile: write identity: %w", err)
	}
	return f.Sync()
}

func readIdentity(f *os.File) (Identity, error) {
	buf := make([]byte, identitySize)
	n, err := f.ReadAt(buf, 0)
	if n < identitySize {
		if err == nil {
			err = fmt.Errorf("short identity record (%d bytes)", n)
		}
		return Identity{}, fmt.Errorf("lockfile: %w", err)
	}
	return Identity{
		PID:       int32(binary.LittleEndian.Uint64(buf[0:])),
		StartTime: time.Unix(0, int64(binary.LittleEndian.Uint64(buf[8:]))),
		Epoch:     binary.LittleEndian.Uint64(buf[16:]),
	}, nil
}

func myStartTime() time.Time {
	t, ok, err := procutil.StartTime(os.Getpid())
	if err != nil || !ok {
		return time.Now()
	}
	return t
}
