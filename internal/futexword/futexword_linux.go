//go:build linux

package futexword

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// wait issues FUTEX_WAIT. ETIMEDOUT surfaces as context.DeadlineExceeded
// semantics to the caller via a plain timeout sentinel; EAGAIN (word
// already changed) and EINTR are treated as a normal spurious-wake return.
func wait(word *uint32, expect uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeout / time.Second),
			Nsec: int64(timeout % time.Second),
		}
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expect),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errTimedOut
	default:
		return errno
	}
}

func wake(word *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(1<<31-1), // wake every waiter
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
