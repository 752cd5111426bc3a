// Package record implements the 64-byte record header and the two-phase
// commit protocol used to publish variable-length messages into a segment.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"

	"github.com/chronicle-wal/chronicle/errs"
)

const (
	// HeaderSize is the fixed size of a record header in bytes.
	HeaderSize = 64

	// Align is the alignment boundary every record (header+payload) is
	// padded to, matching a cache line so the commit word of record N+1
	// never shares a line with record N's payload tail.
	Align = 64

	// PaddingTypeID marks records synthesized by crash repair; readers
	// skip them silently.
	PaddingTypeID = 0xFFFF

	// Version is the current wire-format version written by this build.
	Version = 1

	offsetCommitLen    = 0
	offsetVersion      = 4
	offsetSeq          = 8
	offsetTimestampNs  = 16
	offsetTypeID       = 24
	offsetFlags        = 26
	offsetCRC32        = 28
)

// Header is the decoded form of a record's 64-byte on-disk header.
type Header struct {
	CommitLen   uint32 // 0 = uncommitted, else len(payload)+1
	Version     uint8
	Seq         uint64
	TimestampNs uint64
	TypeID      uint16
	Flags       uint16
	CRC32       uint32
}

// Len returns the payload length encoded by CommitLen, and whether the
// record is committed at all.
func (h Header) Len() (int, bool) {
	if h.CommitLen == 0 {
		return 0, false
	}
	return int(h.CommitLen - 1), true
}

// AlignedSize returns the total on-disk size (header + payload + padding)
// for a payload of length n.
func AlignedSize(n int) int {
	total := HeaderSize + n
	if rem := total % Align; rem != 0 {
		total += Align - rem
	}
	return total
}

// EncodeHeader writes every header field except CommitLen into buf[0:64].
// CommitLen is left as whatever is already in buf (callers must zero it
// first, then store it last with release ordering via StoreCommit).
func EncodeHeader(buf []byte, h Header) {
	if len(buf) < HeaderSize {
		panic("record: header buffer too small")
	}
	buf[offsetVersion] = h.Version
	binary.LittleEndian.PutUint64(buf[offsetSeq:], h.Seq)
	binary.LittleEndian.PutUint64(buf[offsetTimestampNs:], h.TimestampNs)
	binary.LittleEndian.PutUint16(buf[offsetTypeID:], h.TypeID)
	binary.LittleEndian.PutUint16(buf[offsetFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offsetCRC32:], h.CRC32)
	for i := offsetCRC32 + 4; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// DecodeHeader reads a header from buf[0:64]. It does not validate CRC;
// callers must separately verify payload bytes against h.CRC32.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("record: short header (%d bytes)", len(buf))
	}
	return Header{
		CommitLen:   loadCommit(buf),
		Version:     buf[offsetVersion],
		Seq:         binary.LittleEndian.Uint64(buf[offsetSeq:]),
		TimestampNs: binary.LittleEndian.Uint64(buf[offsetTimestampNs:]),
		TypeID:      binary.LittleEndian.Uint16(buf[offsetTypeID:]),
		Flags:       binary.LittleEndian.Uint16(buf[offsetFlags:]),
		CRC32:       binary.LittleEndian.Uint32(buf[offsetCRC32:]),
	}, nil
}

// CRC32 computes the payload checksum used in the header.
func CRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// LoadCommit atomically loads the commit word with acquire ordering.
func LoadCommit(buf []byte) uint32 {
	return atomic.LoadUint32(commitPtr(buf))
}

// loadCommit is a relaxed peek used when the caller has already
// synchronized (e.g. during repair, where nothing else can be writing).
func loadCommit(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[offsetCommitLen:])
}

// StoreCommit atomically publishes the commit word with release ordering.
// This is the single synchronization point between writer and reader.
func StoreCommit(buf []byte, commitLen uint32) {
	atomic.StoreUint32(commitPtr(buf), commitLen)
}

func commitPtr(buf []byte) *uint32 {
	if len(buf) < 4 {
		panic("record: buffer too small for commit word")
	}
	return (*uint32)(unsafe.Pointer(&buf[0]))
}

// Publish writes a full record into dst (which must be at least
// AlignedSize(len(payload)) bytes) and performs the two-phase commit:
// the header is written with CommitLen=0 first, then the commit word is
// stored last with release ordering. It returns the number of bytes
// occupied by the record.
func Publish(dst []byte, seq uint64, timestampNs int64, typeID uint16, flags uint16, payload []byte) (int, error) {
	size := AlignedSize(len(payload))
	if len(dst) < size {
		return 0, fmt.Errorf("record: destination too small: need %d, have %d", size, len(dst))
	}
	// Phase 1: copy payload into its reserved slot.
	copy(dst[HeaderSize:HeaderSize+len(payload)], payload)
	for i := HeaderSize + len(payload); i < size; i++ {
		dst[i] = 0
	}
	crc := CRC32(payload)
	// Phase 2: write header fields with commit word left at zero.
	binary.LittleEndian.PutUint32(dst[offsetCommitLen:], 0)
	EncodeHeader(dst, Header{
		Version:     Version,
		Seq:         seq,
		TimestampNs: uint64(timestampNs),
		TypeID:      typeID,
		Flags:       flags,
		CRC32:       crc,
	})
	// Phase 3: single atomic release store publishes the record.
	StoreCommit(dst, uint32(len(payload))+1)
	return size, nil
}

// View is a zero-copy borrowed view of one committed record. The byte
// slices alias the underlying segment mapping and are valid only until the
// segment is unmapped.
type View struct {
	Header  Header
	Payload []byte
}

// Observe performs the observe-side of the two-phase protocol at the given
// offset within buf: acquire-load the commit word, and if non-zero decode
// the header and return a borrowed payload view. ok is false if the slot is
// still uncommitted (the tail).
func Observe(buf []byte, offset int) (View, bool, error) {
	if offset+HeaderSize > len(buf) {
		return View{}, false, nil
	}
	hdrBuf := buf[offset : offset+HeaderSize]
	commit := LoadCommit(hdrBuf)
	if commit == 0 {
		return View{}, false, nil
	}
	h, err := DecodeHeader(hdrBuf)
	if err != nil {
		return View{}, false, err
	}
	if h.Version != Version {
		// E-VER: an on-disk version this build doesn't understand never
		// causes an automatic data skip — it always surfaces (spec §4.1,
		// §7).
		return View{}, false, fmt.Errorf("%w: record at offset %d has version %d, want %d",
			errs.ErrCorrupt, offset, h.Version, Version)
	}
	payloadLen := int(commit - 1)
	start := offset + HeaderSize
	end := start + payloadLen
	if end > len(buf) {
		return View{}, false, fmt.Errorf("%w: record at offset %d overruns segment", errs.ErrCorrupt, offset)
	}
	payload := buf[start:end]
	if h.TypeID != PaddingTypeID {
		if crc := CRC32(payload); crc != h.CRC32 {
			return View{}, false, fmt.Errorf("%w: crc mismatch at offset %d (seq %d): got %08x want %08x",
				errs.ErrCorrupt, offset, h.Seq, crc, h.CRC32)
		}
	}
	return View{Header: h, Payload: payload}, true, nil
}

// WritePadding fills dst with a single committed, CRC-valid padding record
// that readers skip. Used by crash repair to cap a torn write.
func WritePadding(dst []byte, seq uint64) {
	size := len(dst)
	payloadLen := size - HeaderSize
	if payloadLen < 0 {
		panic("record: padding destination smaller than header")
	}
	payload := make([]byte, payloadLen)
	_, _ = Publish(dst, seq, 0, PaddingTypeID, 0, payload)
}
