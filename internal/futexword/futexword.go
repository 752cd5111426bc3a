// Package futexword implements the wake word primitive behind the Control
// Block's notify_seq field (spec §4.3): Linux uses a real futex so the
// writer's wake is a single syscall and readers block without spinning;
// other POSIX platforms fall back to a bounded sleep-poll, per the
// platform-specific wait-word called out in spec §9's Open Questions.
package futexword

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrTimedOut is returned by Wait when timeout elapses before a wake.
var ErrTimedOut = errors.New("futexword: wait timed out")

var errTimedOut = ErrTimedOut

// Load does an acquire-ordered read of the wake word.
func Load(word *uint32) uint32 {
	return atomic.LoadUint32(word)
}

// Wait blocks until *word no longer equals expect, the timeout elapses, or
// a spurious wake occurs (callers must re-check their condition in a loop,
// as with any futex-style wait). timeout <= 0 means wait forever.
func Wait(word *uint32, expect uint32, timeout time.Duration) error {
	return wait(word, expect, timeout)
}

// Wake wakes every thread/process parked on word. It is only called by the
// writer when waiters_pending > 0 (the wake-suppression optimization in
// spec §4.3/§4.5).
func Wake(word *uint32) error {
	return wake(word)
}
