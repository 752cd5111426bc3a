// Package segment implements the fixed-size memory-mapped segment file
// format of spec §3/§4.2: a 64-byte header, a one-cache-line alignment gap,
// then a contiguous run of 64-byte-aligned records. A Segment is opened
// either for writing (the single active tail) or for reading (any sealed
// segment, or the tail observed by a reader concurrently with the writer).
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chronicle-wal/chronicle/errs"
	"github.com/chronicle-wal/chronicle/internal/mmapfile"
	"github.com/chronicle-wal/chronicle/record"
)

const (
	// HeaderSize is the fixed size of the segment header.
	HeaderSize = 64

	// DataOffset is where the first record begins: the header plus one
	// more cache line of alignment gap (spec §3 "Segment" layout).
	DataOffset = 128

	magic          = "SEG0\x00\x00\x00\x00"
	currentVersion = 1

	flagSealed = 1 << 0

	offMagic       = 0
	offVersion     = 8
	offHeaderLen   = 10
	offSegmentID   = 12
	offFlags       = 16
	offCreatedNs   = 20
	offFirstSeq    = 28
	offLastSeq     = 36
	offWriterEpoch = 44
)

// Header is the decoded form of a segment's 64-byte header.
type Header struct {
	Version     uint16
	ID          uint32
	Sealed      bool
	CreatedNs   int64
	FirstSeq    uint64
	LastSeq     uint64
	WriterEpoch uint64
}

// FileName returns the canonical zero-padded 9-digit segment file name.
func FileName(id uint32) string { return fmt.Sprintf("%09d.q", id) }

// TempFileName returns the transient preallocation name for a segment id.
func TempFileName(id uint32) string { return fmt.Sprintf("%09d.q.tmp", id) }

// IndexFileName returns the seek-index sidecar name for a segment id.
func IndexFileName(id uint32) string { return fmt.Sprintf("%09d.q.idx", id) }

// MinSize is the smallest legal segment size: one header, one alignment
// gap, and room for the smallest possible record.
const MinSize = DataOffset + record.HeaderSize

// Segment is an open, mapped segment file.
type Segment struct {
	m    *mmapfile.Mapping
	path string
}

// Prepare allocates a new segment file in the background: it creates
// <id>.q.tmp of exactly size bytes, writes the header (unsealed, id=id,
// tagged with the writer's current epoch), prefaults every page, and
// optionally mlocks it. It does not rename into place; call Publish once
// the caller is ready to hand it off (spec §4.2 "Prepare (background)").
// epoch lets the consumer (writer.roll) detect a stale hand-off left
// behind by a prior writer incarnation (see lockfile.Lock.Epoch).
func Prepare(dir string, id uint32, size int, createdNs int64, memlock bool, epoch uint64) (*Segment, error) {
	if size < MinSize {
		return nil, fmt.Errorf("segment: size %d below minimum %d", size, MinSize)
	}
	tmpPath := filepath.Join(dir, TempFileName(id))
	m, err := mmapfile.CreateTemp(tmpPath, size)
	if err != nil {
		return nil, err
	}
	writeHeader(m.Data, Header{Version: currentVersion, ID: id, CreatedNs: createdNs, WriterEpoch: epoch})
	m.Prefault()
	if memlock {
		if err := m.Mlock(); err != nil {
			// Non-fatal: memlock is a best-effort durability/latency
			// optimization, not a correctness requirement.
			_ = err
		}
	}
	return &Segment{m: m, path: tmpPath}, nil
}

// Publish renames this segment's temp file into its final name within dir.
// It does not check the id; a consumer of a published segment verifies
// ID() matches the expected next segment id before swapping it in.
func (s *Segment) Publish(dir string) error {
	final := filepath.Join(dir, FileName(s.Header().ID))
	if err := mmapfile.PublishTemp(s.path, final); err != nil {
		return err
	}
	s.path = final
	return nil
}

// CreateOrOpen implements spec §4.2's "Open-or-create": it tries to open an
// existing final-named segment file first, and only creates a fresh one
// (never truncating) if absent. This is what the writer's roll path falls
// back to when no preallocated segment is ready. epoch tags a freshly
// created segment the same way Prepare does; it is ignored when an
// existing file is opened instead.
func CreateOrOpen(dir string, id uint32, size int, createdNs int64, epoch uint64) (*Segment, error) {
	path := filepath.Join(dir, FileName(id))
	m, created, err := mmapfile.OpenOrCreate(path, size)
	if err != nil {
		return nil, err
	}
	seg := &Segment{m: m, path: path}
	if created {
		writeHeader(m.Data, Header{Version: currentVersion, ID: id, CreatedNs: createdNs, WriterEpoch: epoch})
	}
	return seg, nil
}

// Open maps an existing, already-published segment file (used by readers
// and by writer startup recovery).
func Open(dir string, id uint32) (*Segment, error) {
	path := filepath.Join(dir, FileName(id))
	m, err := mmapfile.Open(path)
	if err != nil {
		return nil, err
	}
	seg := &Segment{m: m, path: path}
	if len(m.Data) < MinSize {
		seg.Close()
		return nil, fmt.Errorf("%w: segment %d smaller than minimum size", errs.ErrCorrupt, id)
	}
	h := seg.Header()
	if h.ID != id {
		seg.Close()
		return nil, fmt.Errorf("%w: segment file %s has header id %d, want %d", errs.ErrCorrupt, path, h.ID, id)
	}
	return seg, nil
}

// ListSegmentIDs returns every segment id present in dir (final-named
// files only, not .tmp or .idx).
func ListSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if len(name) != len("000000000.q") || filepath.Ext(name) != ".q" {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(name, "%09d.q", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func writeHeader(buf []byte, h Header) {
	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint16(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint16(buf[offHeaderLen:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[offSegmentID:], h.ID)
	var flags uint32
	if h.Sealed {
		flags |= flagSealed
	}
	binary.LittleEndian.PutUint32(buf[offFlags:], flags)
	binary.LittleEndian.PutUint64(buf[offCreatedNs:], uint64(h.CreatedNs))
	binary.LittleEndian.PutUint64(buf[offFirstSeq:], h.FirstSeq)
	binary.LittleEndian.PutUint64(buf[offLastSeq:], h.LastSeq)
	binary.LittleEndian.PutUint64(buf[offWriterEpoch:], h.WriterEpoch)
}

// Header decodes the segment's current header from the mapping.
func (s *Segment) Header() Header {
	buf := s.m.Data
	flags := binary.LittleEndian.Uint32(buf[offFlags:])
	return Header{
		Version:   binary.LittleEndian.Uint16(buf[offVersion:]),
		ID:        binary.LittleEndian.Uint32(buf[offSegmentID:]),
		Sealed:    flags&flagSealed != 0,
		CreatedNs: int64(binary.LittleEndian.Uint64(buf[offCreatedNs:])),
		FirstSeq:    binary.LittleEndian.Uint64(buf[offFirstSeq:]),
		LastSeq:     binary.LittleEndian.Uint64(buf[offLastSeq:]),
		WriterEpoch: binary.LittleEndian.Uint64(buf[offWriterEpoch:]),
	}
}

// ID is a convenience accessor equivalent to Header().ID.
func (s *Segment) ID() uint32 { return s.Header().ID }

// IsSealed reports whether the SEALED flag is set.
func (s *Segment) IsSealed() bool { return s.Header().Sealed }

// Size returns the total mapped size of the segment file.
func (s *Segment) Size() int { return len(s.m.Data) }

// Capacity returns the number of bytes available to records, i.e. Size()
// minus the header and alignment gap.
func (s *Segment) Capacity() int { return len(s.m.Data) - DataOffset }

// Seal marks the segment immutable and records its sequence range. Sealing
// is the only way a reader knows this segment cannot grow further (spec
// §4.2 "Seal").
func (s *Segment) Seal(firstSeq, lastSeq uint64) {
	h := s.Header()
	h.Sealed = true
	h.FirstSeq = firstSeq
	h.LastSeq = lastSeq
	writeHeader(s.m.Data, h)
}

// Sync fsyncs the segment's contents and header.
func (s *Segment) Sync() error { return s.m.Sync() }

// Close unmaps and closes the segment file.
func (s *Segment) Close() error { return s.m.Close() }

// Bytes returns the raw mapped bytes starting at DataOffset, i.e. the
// record region. Callers index into it with offsets relative to
// DataOffset (matching the "offset_within_segment" fields stored
// elsewhere, e.g. reader checkpoints and the seek index).
func (s *Segment) Bytes() []byte { return s.m.Data[DataOffset:] }

// WriteRecord publishes one record at the given offset (relative to
// DataOffset) within this segment's record region, returning the number of
// bytes it occupies. The caller (writer) is responsible for ensuring the
// record fits before calling this (spec §4.5 Append steps 1-5).
func (s *Segment) WriteRecord(offset int, seq uint64, timestampNs int64, typeID, flags uint16, payload []byte) (int, error) {
	region := s.Bytes()
	size := record.AlignedSize(len(payload))
	if offset+size > len(region) {
		return 0, fmt.Errorf("segment: record at offset %d (size %d) overruns capacity %d", offset, size, len(region))
	}
	return record.Publish(region[offset:offset+size], seq, timestampNs, typeID, flags, payload)
}

// Observe reads the record at offset (relative to DataOffset), performing
// the acquire-load observe-side protocol. ok is false if the slot is still
// uncommitted.
func (s *Segment) Observe(offset int) (record.View, bool, error) {
	return record.Observe(s.Bytes(), offset)
}
