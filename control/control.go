// Package control implements the Control Block: the 512-byte, cache-line
// partitioned, memory-mapped coordination page shared by a log's writer and
// every reader (spec §3, §4.3). It carries the authoritative segment size,
// the seqlock-protected (current_segment, write_offset) pair, and the
// wake/suppression word pair used to avoid futex syscalls when no reader is
// sleeping.
package control

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/chronicle-wal/chronicle/errs"
	"github.com/chronicle-wal/chronicle/internal/futexword"
	"github.com/chronicle-wal/chronicle/internal/mmapfile"
)

const (
	// Size is the fixed on-disk/mapped size of the Control Block.
	Size = 512

	laneSize = 128

	magic         = "CHRNCTL1"
	currentVersion = 1

	// Lane A: cold immutable fields, offsets within the mapping.
	offMagic       = 0
	offVersion     = 8
	offSegmentSize = 16

	// Lane B: reader-hot fields.
	offSegmentGen     = laneSize + 0
	offCurrentSegment = laneSize + 8

	// Lane C: writer-hot fields.
	offWriteOffset    = 2*laneSize + 0
	offWriterHeartbeat = 2*laneSize + 8

	// Lane D: coordination fields.
	offNotifySeq      = 3*laneSize + 0
	offWaitersPending = 3*laneSize + 8
)

// Block is a handle onto the mapped Control Block. All methods are safe for
// concurrent use by multiple readers and one writer, per the field-level
// synchronization documented in spec §4.3/§5.
type Block struct {
	m *mmapfile.Mapping
}

// Create initializes a brand-new Control Block at path for a log created
// with the given segment size, publishing it via temp-then-rename so
// concurrent openers never observe a half-initialized file.
func Create(path string, segmentSize uint32) (*Block, error) {
	tmp := path + ".tmp"
	m, err := mmapfile.CreateTemp(tmp, Size)
	if err != nil {
		return nil, err
	}
	buf := m.Data
	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint64(buf[offVersion:], currentVersion)
	binary.LittleEndian.PutUint64(buf[offSegmentSize:], uint64(segmentSize))
	if err := m.Sync(); err != nil {
		m.Close()
		return nil, err
	}
	if err := mmapfile.PublishTemp(tmp, path); err != nil {
		m.Close()
		return nil, err
	}
	return &Block{m: m}, nil
}

// Open maps an existing Control Block, validating its magic and version.
// The returned segment size is authoritative: callers must trust it over
// any locally-configured value (spec §4.3 "Versioning").
func Open(path string) (*Block, error) {
	m, err := mmapfile.Open(path)
	if err != nil {
		return nil, err
	}
	if len(m.Data) != Size {
		m.Close()
		return nil, fmt.Errorf("%w: control.meta has size %d, want %d", errs.ErrCorrupt, len(m.Data), Size)
	}
	if string(m.Data[offMagic:offMagic+8]) != magic {
		m.Close()
		return nil, fmt.Errorf("%w: control.meta bad magic", errs.ErrCorrupt)
	}
	ver := binary.LittleEndian.Uint64(m.Data[offVersion:])
	if ver != currentVersion {
		m.Close()
		return nil, fmt.Errorf("%w: control.meta version %d unsupported", errs.ErrUnsupported, ver)
	}
	return &Block{m: m}, nil
}

// Close unmaps the Control Block.
func (b *Block) Close() error { return b.m.Close() }

// SegmentSize returns the authoritative segment size stored at creation.
func (b *Block) SegmentSize() uint32 {
	return uint32(binary.LittleEndian.Uint64(b.m.Data[offSegmentSize:]))
}

func (b *Block) u64At(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.m.Data[off]))
}

func (b *Block) u32At(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.m.Data[off]))
}

// Position is a consistent snapshot of the writer's current segment id and
// offset within it, as observed through the seqlock (spec I3).
type Position struct {
	CurrentSegment uint64
	WriteOffset    uint64
}

// ReadPosition retry-reads (current_segment, write_offset) until it
// observes an even segment_gen unchanged across the read, guaranteeing a
// consistent snapshot of some past writer state (spec §4.3).
func (b *Block) ReadPosition() Position {
	genPtr := b.u64At(offSegmentGen)
	for {
		g1 := atomic.LoadUint64(genPtr)
		if g1&1 != 0 {
			continue // writer mid-update; retry
		}
		seg := atomic.LoadUint64(b.u64At(offCurrentSegment))
		off := atomic.LoadUint64(b.u64At(offWriteOffset))
		g2 := atomic.LoadUint64(genPtr)
		if g1 == g2 {
			return Position{CurrentSegment: seg, WriteOffset: off}
		}
	}
}

// PublishSegmentRoll atomically publishes a new (segment, offset=0) pair
// under the seqlock: pre-increment segment_gen to odd, store the pair, then
// increment to the next even value. Only the writer calls this, and only
// while holding its own internal write lock (spec §4.3 "Segment position
// protocol").
func (b *Block) PublishSegmentRoll(newSegment uint64) {
	genPtr := b.u64At(offSegmentGen)
	g := atomic.LoadUint64(genPtr)
	atomic.StoreUint64(genPtr, g+1) // now odd: update in progress
	atomic.StoreUint64(b.u64At(offCurrentSegment), newSegment)
	atomic.StoreUint64(b.u64At(offWriteOffset), 0)
	atomic.StoreUint64(genPtr, g+2) // now even: update complete
}

// PublishWriteOffset updates write_offset alone, without touching
// segment_gen, for ordinary appends within the same segment (spec §4.5
// step 6: "segment_gen is not bumped, since the segment id did not
// change").
func (b *Block) PublishWriteOffset(offset uint64) {
	atomic.StoreUint64(b.u64At(offWriteOffset), offset)
}

// WriterHeartbeat stores the writer's liveness timestamp (nanoseconds).
func (b *Block) WriterHeartbeat(nowNs int64) {
	atomic.StoreUint64(b.u64At(offWriterHeartbeat), uint64(nowNs))
}

// notifyWordPtr returns the raw wake word pointer for use with the futex-style
// wait/wake primitives.
func (b *Block) notifyWordPtr() *uint32 {
	return b.u32At(offNotifySeq)
}

// IncrWaitersPending is called by a reader about to sleep, before its final
// re-check of the committed state. SeqCst ordering here, combined with the
// re-check, rules out missed wakeups (spec §5 "Memory ordering").
func (b *Block) IncrWaitersPending() {
	atomic.AddUint32(b.u32At(offWaitersPending), 1)
}

// DecrWaitersPending is called by a reader after waking (or after deciding
// not to sleep because data arrived).
func (b *Block) DecrWaitersPending() {
	atomic.AddUint32(b.u32At(offWaitersPending), ^uint32(0))
}

// WaitersPending returns a relaxed snapshot of the waiter count; the writer
// uses this to decide whether a wake syscall is needed at all (spec §4.5
// step 8).
func (b *Block) WaitersPending() uint32 {
	return atomic.LoadUint32(b.u32At(offWaitersPending))
}

// Wake performs the wake syscall if, and only if, waiters are registered.
// Safe to call unconditionally from the writer's hot path: it is a no-op
// when nobody is sleeping.
func (b *Block) Wake() error {
	if b.WaitersPending() == 0 {
		return nil
	}
	atomic.AddUint32(b.notifyWordPtr(), 1)
	return futexword.Wake(b.notifyWordPtr())
}

// Notify returns the current value of the wake word. Callers that need to
// park should capture this immediately before their final re-check of the
// committed state and pass it to Wait, so a Wake landing between the
// re-check and the park is still observed instead of being missed until
// the next timeout (spec §5 "Memory ordering").
func (b *Block) Notify() uint32 {
	return futexword.Load(b.notifyWordPtr())
}

// Wait parks the calling reader on the wake word until it no longer equals
// expect, the deadline (timeout) elapses, or a spurious wake occurs.
// Callers must re-verify their condition after Wait returns, as with any
// futex wait. timeout <= 0 means wait forever.
func (b *Block) Wait(expect uint32, timeout time.Duration) error {
	return futexword.Wait(b.notifyWordPtr(), expect, timeout)
}
