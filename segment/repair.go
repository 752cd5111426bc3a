package segment

import "github.com/chronicle-wal/chronicle/record"

// RepairResult describes what Repair found when scanning a segment's tail.
type RepairResult struct {
	// TailOffset is where writing should resume, relative to DataOffset.
	// Meaningless if Sealed is true (there is no more room to resume into).
	TailOffset int
	FirstSeq   uint64
	LastSeq    uint64
	HasRecords bool
	// Sealed is true if Repair found a torn write and sealed the segment;
	// the writer must roll to a new segment after this.
	Sealed bool
}

// Repair implements spec §4.2's crash-repair scan: starting at the segment
// header, walk forward through committed records until the first
// uncommitted slot. If that slot's header bytes are entirely zero, it is a
// clean tail — return it as the resume point. Otherwise it is a torn write:
// the remainder of the segment is overwritten with a single padding-typed
// record (which readers skip) and the segment is sealed.
//
// Any CRC or version error on an already-committed record surfaces
// immediately and is not repaired — spec §7: "CRC and version errors never
// cause automatic data skip; they always surface." Repair only ever
// resolves the uncommitted tail, never mid-log corruption.
func Repair(seg *Segment) (RepairResult, error) {
	region := seg.Bytes()
	offset := 0
	var firstSeq, lastSeq uint64
	hasRecords := false

	for offset+record.HeaderSize <= len(region) {
		view, ok, err := seg.Observe(offset)
		if err != nil {
			return RepairResult{}, err
		}
		if !ok {
			break
		}
		if view.Header.TypeID != record.PaddingTypeID {
			if !hasRecords {
				firstSeq = view.Header.Seq
			}
			lastSeq = view.Header.Seq
			hasRecords = true
		}
		offset += record.AlignedSize(len(view.Payload))
	}

	if offset+record.HeaderSize > len(region) {
		// No room for another record header at all: nothing to repair,
		// the segment is simply full. The writer decides whether to seal
		// a full-but-unflagged segment as part of its own roll logic.
		return RepairResult{TailOffset: offset, FirstSeq: firstSeq, LastSeq: lastSeq, HasRecords: hasRecords}, nil
	}

	headerBytes := region[offset : offset+record.HeaderSize]
	if allZero(headerBytes) {
		return RepairResult{TailOffset: offset, FirstSeq: firstSeq, LastSeq: lastSeq, HasRecords: hasRecords}, nil
	}

	// Torn write: a partial header (and possibly partial payload) was
	// written but the commit word was never stored. Cap it with padding
	// and seal.
	remainder := len(region) - offset
	if remainder >= record.HeaderSize {
		padSeq := lastSeq
		record.WritePadding(region[offset:offset+alignDown(remainder)], padSeq)
	}
	seg.Seal(firstSeq, lastSeq)

	return RepairResult{
		FirstSeq:   firstSeq,
		LastSeq:    lastSeq,
		HasRecords: hasRecords,
		Sealed:     true,
	}, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func alignDown(n int) int {
	return (n / record.Align) * record.Align
}
