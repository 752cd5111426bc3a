// Package seekindex implements the sparse per-segment seek-index sidecar of
// spec §3/§4.7: a header plus fixed-size (seq, timestamp_ns, byte_offset)
// entries spaced by a configurable stride, binary searchable by sequence or
// timestamp.
package seekindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/exp/slices"
)

const (
	headerSize = 32 // min_seq:8 max_seq:8 min_ts:8 max_ts:8 (stride/count kept in-memory)
	entrySize  = 24 // seq:8 timestamp_ns:8 byte_offset:8

	offMinSeq = 0
	offMaxSeq = 8
	offMinTS  = 16
	offMaxTS  = 24
)

// Entry is one sparse seek-index record.
type Entry struct {
	Seq         uint64
	TimestampNs int64
	ByteOffset  int
}

// Builder accumulates entries for the segment currently being written,
// emitting one entry every Stride records.
type Builder struct {
	Stride  int
	count   int
	entries []Entry
}

// NewBuilder creates a builder with pre-reserved capacity sized for
// capacityBytes of segment space at minRecordSize granularity, per spec §3
// "Capacity is pre-reserved ... to avoid hot-path reallocation".
func NewBuilder(stride int, capacityBytes, minRecordSize int) *Builder {
	if stride < 1 {
		stride = 1
	}
	estimate := capacityBytes/minRecordSize/stride + 1
	return &Builder{Stride: stride, entries: make([]Entry, 0, estimate)}
}

// Observe is called once per appended (non-padding) record; it records a
// sparse entry every Stride calls.
func (b *Builder) Observe(seq uint64, timestampNs int64, byteOffset int) {
	if b.count%b.Stride == 0 {
		b.entries = append(b.entries, Entry{Seq: seq, TimestampNs: timestampNs, ByteOffset: byteOffset})
	}
	b.count++
}

// Entries returns the accumulated sparse entries in append order.
func (b *Builder) Entries() []Entry { return b.entries }

// Header summarizes a sidecar file's sequence/timestamp range: the first and
// last sparse entry, not necessarily the segment's last record.
type Header struct {
	MinSeq, MaxSeq uint64
	MinTS, MaxTS   int64
	Stride         int
}

// Write flushes a built index to path, per spec §4.7 "flushed to a sidecar
// on segment seal".
func Write(path string, stride int, entries []Entry) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("seekindex: create %s: %w", path, err)
	}
	defer f.Close()

	var h Header
	if len(entries) > 0 {
		h.MinSeq, h.MaxSeq = entries[0].Seq, entries[len(entries)-1].Seq
		h.MinTS, h.MaxTS = entries[0].TimestampNs, entries[len(entries)-1].TimestampNs
	}
	h.Stride = stride

	buf := make([]byte, headerSize+entrySize*len(entries))
	binary.LittleEndian.PutUint64(buf[offMinSeq:], h.MinSeq)
	binary.LittleEndian.PutUint64(buf[offMaxSeq:], h.MaxSeq)
	binary.LittleEndian.PutUint64(buf[offMinTS:], uint64(h.MinTS))
	binary.LittleEndian.PutUint64(buf[offMaxTS:], uint64(h.MaxTS))
	for i, e := range entries {
		off := headerSize + i*entrySize
		binary.LittleEndian.PutUint64(buf[off:], e.Seq)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.TimestampNs))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(e.ByteOffset))
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("seekindex: write %s: %w", path, err)
	}
	return f.Sync()
}

// Index is a loaded, binary-searchable sidecar.
type Index struct {
	Header  Header
	entries []Entry
}

// Load reads a sidecar file written by Write.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seekindex: read %s: %w", path, err)
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("seekindex: %s too short for header", path)
	}
	h := Header{
		MinSeq: binary.LittleEndian.Uint64(data[offMinSeq:]),
		MaxSeq: binary.LittleEndian.Uint64(data[offMaxSeq:]),
		MinTS:  int64(binary.LittleEndian.Uint64(data[offMinTS:])),
		MaxTS:  int64(binary.LittleEndian.Uint64(data[offMaxTS:])),
	}
	n := (len(data) - headerSize) / entrySize
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		off := headerSize + i*entrySize
		entries[i] = Entry{
			Seq:         binary.LittleEndian.Uint64(data[off:]),
			TimestampNs: int64(binary.LittleEndian.Uint64(data[off+8:])),
			ByteOffset:  int(binary.LittleEndian.Uint64(data[off+16:])),
		}
	}
	return &Index{Header: h, entries: entries}, nil
}

// FloorBySeq returns the entry with the greatest Seq <= target, and whether
// one exists (spec §4.6 seek_by_seq: "binary-search its entries for the
// greatest entry with seq <= target").
func (idx *Index) FloorBySeq(target uint64) (Entry, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].Seq > target })
	if i == 0 {
		return Entry{}, false
	}
	return idx.entries[i-1], true
}

// FloorByTimestamp returns the entry with the greatest TimestampNs <=
// target, symmetric to FloorBySeq for seek_by_timestamp.
func (idx *Index) FloorByTimestamp(target int64) (Entry, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].TimestampNs > target })
	if i == 0 {
		return Entry{}, false
	}
	return idx.entries[i-1], true
}

// Contains reports whether target falls within [MinSeq, MaxSeq], the range
// spanned by this sidecar's sparse entries; records after the last entry
// lie outside it.
func (h Header) Contains(target uint64) bool {
	return target >= h.MinSeq && target <= h.MaxSeq
}

// SegmentRange pairs a segment id with the sequence range of its sidecar,
// for binary search across segments.
type SegmentRange struct {
	SegmentID uint32
	First     uint64
	Last      uint64
}

// FindSegmentBySeq binary-searches ranges (sorted by First) for the segment
// whose [First, Last] contains target.
func FindSegmentBySeq(ranges []SegmentRange, target uint64) (SegmentRange, bool) {
	i, found := slices.BinarySearchFunc(ranges, target, func(r SegmentRange, t uint64) int {
		switch {
		case r.Last < t:
			return -1
		case r.First > t:
			return 1
		default:
			return 0
		}
	})
	if !found || i >= len(ranges) {
		return SegmentRange{}, false
	}
	return ranges[i], true
}
