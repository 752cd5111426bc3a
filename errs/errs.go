// Package errs holds the sentinel error taxonomy shared by every Chronicle
// package, mirroring the teacher's pattern of a small shared `types` package
// of sentinels that both the root package and its leaf packages wrap with
// context via fmt.Errorf("...: %w", ...).
package errs

import "errors"

var (
	// ErrCorrupt covers wrong magic, unsupported version, CRC mismatch, or a
	// segment missing beneath a reader. Fatal to the affected reader, or to
	// the writer at open time when the Control Block itself is corrupt.
	ErrCorrupt = errors.New("chronicle: corrupt")

	// ErrUnsupported covers a record too large to fit, or an on-disk version
	// newer than this build understands.
	ErrUnsupported = errors.New("chronicle: unsupported")

	// ErrQueueFull is returned to the writer when retention cannot reclaim
	// space under a configured capacity cap.
	ErrQueueFull = errors.New("chronicle: queue full")

	// ErrWriterAlreadyActive is returned from a publisher-open when the
	// exclusive writer lock is held by a live process.
	ErrWriterAlreadyActive = errors.New("chronicle: writer already active")

	// ErrTimeout is returned by Reader.Wait when its deadline elapses
	// without a record becoming available.
	ErrTimeout = errors.New("chronicle: wait timed out")

	// ErrPreallocUnavailable is returned by Append when RequirePrealloc is
	// set and segment roll could not consume a prepared segment.
	ErrPreallocUnavailable = errors.New("chronicle: preallocated segment unavailable")

	// ErrClosed is returned by any operation on a Writer or Reader that has
	// already been closed.
	ErrClosed = errors.New("chronicle: closed")

	// ErrNotFound is returned when a sought sequence or timestamp does not
	// exist in the log (e.g. seeking past the head).
	ErrNotFound = errors.New("chronicle: not found")

	// ErrSealed is returned when an append is attempted against a sealed
	// segment (should never happen outside of internal bugs, since the
	// writer rolls before that can occur).
	ErrSealed = errors.New("chronicle: segment sealed")
)
