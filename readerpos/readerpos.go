// Package readerpos implements the per-reader checkpoint file of spec §3
// "Per-reader metadata": two physical slots, each holding
// (segment_id, offset_within_segment, last_commit_seq, heartbeat_ns, CRC32),
// written alternately so a crash mid-write never destroys both copies.
package readerpos

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"time"
)

const (
	slotSize  = 40 // segment_id:8 + offset:8 + last_seq:8 + heartbeat_ns:8 + crc32:4 + pad:4
	fileSize  = 2 * slotSize
	offSeg    = 0
	offOffset = 8
	offSeq    = 16
	offHB     = 24
	offCRC    = 32
)

// Position is one checkpoint snapshot.
type Position struct {
	SegmentID   uint32
	Offset      int
	LastSeq     uint64
	HeartbeatNs int64
}

// File is an open reader checkpoint file.
type File struct {
	f        *os.File
	nextSlot int // which of the two slots to write next
}

// Open opens or creates the checkpoint file at path, loading whichever slot
// currently holds the newest CRC-valid position. A freshly created file has
// no valid slot and Load reports ok=false.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("readerpos: open %s: %w", path, err)
	}
	rf := &File{f: f}
	_, slot, _ := rf.Load()
	rf.nextSlot = 1 - slot
	return rf, nil
}

// Load returns the newest valid position across both slots. ok is false if
// neither slot holds a CRC-valid record (a brand-new reader file).
func (rf *File) Load() (pos Position, slot int, ok bool) {
	var best Position
	bestSlot := -1
	var bestHB int64 = -1
	for i := 0; i < 2; i++ {
		p, valid := rf.readSlot(i)
		if valid && p.HeartbeatNs >= bestHB {
			best = p
			bestSlot = i
			bestHB = p.HeartbeatNs
		}
	}
	if bestSlot < 0 {
		return Position{}, 0, false
	}
	return best, bestSlot, true
}

func (rf *File) readSlot(slot int) (Position, bool) {
	buf := make([]byte, slotSize)
	if _, err := rf.f.ReadAt(buf, int64(slot*slotSize)); err != nil {
		return Position{}, false
	}
	want := binary.LittleEndian.Uint32(buf[offCRC:])
	got := crc32.ChecksumIEEE(buf[:offCRC])
	if want != got {
		return Position{}, false
	}
	return Position{
		SegmentID:   binary.LittleEndian.Uint32(buf[offSeg:]),
		Offset:      int(binary.LittleEndian.Uint64(buf[offOffset:])),
		LastSeq:     binary.LittleEndian.Uint64(buf[offSeq:]),
		HeartbeatNs: int64(binary.LittleEndian.Uint64(buf[offHB:])),
	}, true
}

// Commit writes pos into the slot not most recently written and fsyncs it.
// Committing an identical position twice is a no-op in effect (R2): the
// newly written slot simply duplicates the same logical position.
func (rf *File) Commit(pos Position) error {
	buf := make([]byte, slotSize)
	binary.LittleEndian.PutUint32(buf[offSeg:], pos.SegmentID)
	binary.LittleEndian.PutUint64(buf[offOffset:], uint64(pos.Offset))
	binary.LittleEndian.PutUint64(buf[offSeq:], pos.LastSeq)
	binary.LittleEndian.PutUint64(buf[offHB:], uint64(pos.HeartbeatNs))
	binary.LittleEndian.PutUint32(buf[offCRC:], crc32.ChecksumIEEE(buf[:offCRC]))

	if _, err := rf.f.WriteAt(buf, int64(rf.nextSlot*slotSize)); err != nil {
		return fmt.Errorf("readerpos: write slot %d: %w", rf.nextSlot, err)
	}
	if err := rf.f.Sync(); err != nil {
		return fmt.Errorf("readerpos: sync: %w", err)
	}
	rf.nextSlot = 1 - rf.nextSlot
	return nil
}

// Heartbeat persists only a refreshed heartbeat timestamp at the current
// position, used by Reader.wait to keep this reader classified as live
// without needing a full commit.
func (rf *File) Heartbeat(pos Position, now time.Time) error {
	pos.HeartbeatNs = now.UnixNano()
	return rf.Commit(pos)
}

// Close closes the underlying file.
func (rf *File) Close() error { return rf.f.Close() }
