// Package retention implements the background segment-reclamation policy of
// spec §4.7: a segment is deleted once its entire byte range lies strictly
// below the minimum live-reader position, where liveness is judged by a
// heartbeat TTL and a maximum permitted lag behind the head.
package retention

import (
	"time"
)

// Policy configures retention's liveness classification (spec §6 Writer
// configuration "retention = {reader_ttl, max_reader_lag_bytes}").
type Policy struct {
	ReaderTTL         time.Duration
	MaxReaderLagBytes int64
}

// ReaderState is one reader's last-known checkpoint, as scanned from
// readers/*.meta (readerpos.Position plus a global byte offset for lag
// comparison).
type ReaderState struct {
	Name          string
	HeartbeatNs   int64
	GlobalByteLag int64 // head's global byte position minus this reader's
}

// IsLive reports whether r counts as a live reader under p, evaluated
// against the current time (spec §4.6 "Live-reader bookkeeping").
func (p Policy) IsLive(r ReaderState, now time.Time) bool {
	age := now.Sub(time.Unix(0, r.HeartbeatNs))
	if p.ReaderTTL > 0 && age > p.ReaderTTL {
		return false
	}
	if p.MaxReaderLagBytes > 0 && r.GlobalByteLag > p.MaxReaderLagBytes {
		return false
	}
	return true
}

// SegmentRange is a candidate segment's sequence/byte range, sufficient to
// decide whether it lies entirely below a cutoff.
type SegmentRange struct {
	SegmentID    uint32
	EndGlobalOff int64 // global byte offset of the end of this segment's data
}

// Deletable returns the ids of segments whose entire range lies strictly
// below minLivePos, always excluding the head (the last element of ranges,
// assumed sorted ascending by id) per spec §4.7 "always retaining the head
// segment".
func Deletable(ranges []SegmentRange, minLivePos int64) []uint32 {
	if len(ranges) <= 1 {
		return nil
	}
	var ids []uint32
	for _, r := range ranges[:len(ranges)-1] {
		if r.EndGlobalOff <= minLivePos {
			ids = append(ids, r.SegmentID)
		}
	}
	return ids
}

// MinLivePosition computes the retention cutoff given the head's current
// global position, the full set of per-reader states, and the policy.
// Spec §8 draws two distinct boundaries here:
//
//   - zero readers registered at all: nothing is known to be reading this
//     log yet, so retention must not delete anything — callers must treat
//     a false return as "no reader files exist" and skip deletion.
//   - one or more readers registered but none currently live (TTL expired
//     or over max_reader_lag_bytes): those readers are no longer owed
//     protection, so the cutoff collapses to the head and everything below
//     it becomes deletable; a lagging reader in this state fails with
//     ErrCorrupt on its next open rather than blocking reclamation forever.
//
// When at least one reader is live, the cutoff is the minimum (oldest)
// position among just the live readers, as before.
func MinLivePosition(headGlobalOff int64, readers []ReaderState, p Policy, now time.Time) (int64, bool) {
	if len(readers) == 0 {
		return 0, false
	}
	min := headGlobalOff
	for _, r := range readers {
		if !p.IsLive(r, now) {
			continue
		}
		if pos := headGlobalOff - r.GlobalByteLag; pos < min {
			min = pos
		}
	}
	return min, true
}
