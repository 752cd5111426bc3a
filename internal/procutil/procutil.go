// Package procutil provides a portable process-liveness probe used by
// lockfile to decide whether a writer.lock's recorded owner is still alive,
// per spec §4.4 and the non-Linux liveness Open Question in §9: the
// fallback is deliberately conservative and reports "possibly alive" when
// it cannot be sure.
package procutil

import "time"

// StartTime returns a stable, monotonically-meaningful creation attribute
// for pid, suitable for detecting pid reuse: if a later call for the same
// pid returns a different value (or ok=false), the original process is
// gone. The zero time with ok=false means "no such process".
func StartTime(pid int) (start time.Time, ok bool, err error) {
	return startTime(pid)
}

// IsLive reports whether pid is still running the same process that was
// recorded with startedAt. possiblyAlive is true when the platform cannot
// distinguish pid-reuse reliably (conservative fallback) — callers must
// treat that as "assume alive" per §9.
func IsLive(pid int, startedAt time.Time) (alive bool, possiblyAlive bool) {
	cur, ok, err := startTime(pid)
	if err != nil || !ok {
		return false, false
	}
	if cur.Equal(startedAt) {
		return true, false
	}
	// Platforms whose start-time resolution is coarser than our recorded
	// value can't distinguish reuse; report conservatively.
	if coarseResolution {
		return false, true
	}
	return false, false
}
