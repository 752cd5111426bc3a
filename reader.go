// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"

	"github.com/chronicle-wal/chronicle/control"
	"github.com/chronicle-wal/chronicle/errs"
	"github.com/chronicle-wal/chronicle/readerpos"
	"github.com/chronicle-wal/chronicle/record"
	"github.com/chronicle-wal/chronicle/seekindex"
	"github.com/chronicle-wal/chronicle/segment"
)

const (
	waitSpinBudget        = 200 * time.Microsecond
	waitHeartbeatInterval = time.Second
)

// Record is one message delivered by Reader.Next (spec §2's "record").
// Payload aliases the segment's mapped memory and is only valid until the
// next call to Next or the Reader is closed; callers that need to retain it
// past that must copy.
type Record struct {
	Seq         uint64
	TimestampNs int64
	TypeID      uint16
	Payload     []byte
}

// Reader is one independent, crash-recoverable consumer of a Chronicle log
// (spec §2 "Reader"). Many Readers may be open concurrently against the
// same directory and against the active Writer (spec P6).
type Reader struct {
	closed uint32

	dir     string
	name    string
	opts    ReaderOptions
	ctrl    *control.Block
	posFile *readerpos.File
	metrics *readerMetrics
	logger  log.Logger

	seg     *segment.Segment
	segID   uint32
	offset  int
	lastSeq uint64

	lastHeartbeat time.Time
}

// OpenReader opens name as a durable checkpointed reader of the Chronicle
// log at dir (spec §4.6 "Open (reader)"). If name has never been seen
// before, the reader starts at the earliest still-retained segment; if a
// checkpoint already exists, it resumes from there.
func OpenReader(dir, name string, opts ...ReaderOption) (*Reader, error) {
	o := defaultReaderOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	ctrl, err := control.Open(filepath.Join(dir, "control.meta"))
	if err != nil {
		return nil, err
	}

	readersDir := filepath.Join(dir, "readers")
	if err := os.MkdirAll(readersDir, 0o755); err != nil {
		ctrl.Close()
		return nil, err
	}
	posFile, err := readerpos.Open(filepath.Join(readersDir, name+".meta"))
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	r := &Reader{
		dir:           dir,
		name:          name,
		opts:          o,
		ctrl:          ctrl,
		posFile:       posFile,
		metrics:       newReaderMetrics(o.Registerer),
		logger:        o.Logger,
		lastHeartbeat: time.Now(),
	}

	pos, _, ok := posFile.Load()
	var startID uint32
	var startOffset int
	if ok {
		startID, startOffset, r.lastSeq = pos.SegmentID, pos.Offset, pos.LastSeq
	} else {
		ids, err := segment.ListSegmentIDs(dir)
		if err != nil {
			posFile.Close()
			ctrl.Close()
			return nil, err
		}
		if len(ids) > 0 {
			startID = ids[0]
			for _, id := range ids[1:] {
				if id < startID {
					startID = id
				}
			}
		}
	}

	seg, err := segment.Open(dir, startID)
	if err != nil {
		posFile.Close()
		ctrl.Close()
		if ok && errors.Is(err, os.ErrNotExist) {
			// The reader's own checkpoint pointed at a segment that no
			// longer exists: retention has already reclaimed it, i.e. this
			// reader was too slow (spec §4.6 "Open", §8 seed scenario 3).
			return nil, fmt.Errorf("%w: reader %q checkpoint references segment %d, already deleted by retention", errs.ErrCorrupt, name, startID)
		}
		return nil, err
	}
	r.seg = seg
	r.segID = startID
	r.offset = startOffset

	return r, nil
}

func (r *Reader) isClosed() bool { return atomic.LoadUint32(&r.closed) != 0 }

// Next returns the next record in sequence order. ok is false (with a nil
// error) if no record is currently available; callers should Wait and
// retry (spec §4.6 "Next").
func (r *Reader) Next() (Record, bool, error) {
	if r.isClosed() {
		return Record{}, false, ErrClosed
	}
	for {
		view, ok, err := r.seg.Observe(r.offset)
		if err != nil {
			return Record{}, false, err
		}
		if !ok {
			if !r.seg.IsSealed() {
				return Record{}, false, nil
			}
			advanced, err := r.advanceSegment()
			if err != nil {
				return Record{}, false, err
			}
			if !advanced {
				return Record{}, false, nil
			}
			continue
		}

		size := record.AlignedSize(len(view.Payload))
		r.offset += size
		r.lastSeq = view.Header.Seq

		if view.Header.TypeID == record.PaddingTypeID {
			continue
		}

		rec := Record{
			Seq:         view.Header.Seq,
			TimestampNs: int64(view.Header.TimestampNs),
			TypeID:      view.Header.TypeID,
			Payload:     view.Payload,
		}
		r.metrics.observeRead(len(view.Payload))
		return rec, true, nil
	}
}

// advanceSegment moves the cursor to segID+1 once the current segment is
// exhausted and sealed (spec §4.6 "crossing a segment boundary").
func (r *Reader) advanceSegment() (bool, error) {
	next := r.segID + 1
	seg, err := segment.Open(r.dir, next)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	r.seg.Close()
	r.seg = seg
	r.segID = next
	r.offset = 0
	return true, nil
}

// hasDataAvailable peeks without consuming: either the current segment has
// a committed record at the cursor, or it is sealed and a newer segment
// already exists per the Control Block (in which case Next will cross into
// it).
func (r *Reader) hasDataAvailable() bool {
	if r.seg.IsSealed() {
		pos := r.ctrl.ReadPosition()
		if uint32(pos.CurrentSegment) != r.segID {
			return true
		}
	}
	_, ok, err := r.seg.Observe(r.offset)
	return ok || err != nil
}

// Wait blocks until a record becomes available, the deadline elapses, or
// (timeout <= 0) forever. The wait strategy configured at OpenReader
// decides how it parks (spec §4.6/§9 "Polymorphism"). Every call, whether
// it returns successfully or times out, is counted; ErrTimeout returns are
// additionally counted as timeouts.
func (r *Reader) Wait(timeout time.Duration) error {
	if r.isClosed() {
		return ErrClosed
	}
	err := r.waitForData(timeout)
	r.metrics.observeWait(errors.Is(err, ErrTimeout))
	return err
}

func (r *Reader) waitForData(timeout time.Duration) error {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	switch r.opts.WaitStrategy {
	case WaitPeriodicSleep:
		for {
			if r.hasDataAvailable() {
				return nil
			}
			if hasDeadline && time.Now().After(deadline) {
				return ErrTimeout
			}
			r.maybeHeartbeat()
			time.Sleep(r.opts.SleepInterval)
		}
	case WaitBusySpin:
		for {
			if r.hasDataAvailable() {
				return nil
			}
			if hasDeadline && time.Now().After(deadline) {
				return ErrTimeout
			}
		}
	default: // WaitSpinThenPark
		spinDeadline := time.Now().Add(waitSpinBudget)
		for time.Now().Before(spinDeadline) {
			if r.hasDataAvailable() {
				return nil
			}
			if hasDeadline && time.Now().After(deadline) {
				return ErrTimeout
			}
		}
		for {
			if r.hasDataAvailable() {
				return nil
			}
			r.ctrl.IncrWaitersPending()
			notify := r.ctrl.Notify()
			if r.hasDataAvailable() {
				r.ctrl.DecrWaitersPending()
				return nil
			}
			parkFor := waitHeartbeatInterval
			if hasDeadline {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					r.ctrl.DecrWaitersPending()
					return ErrTimeout
				}
				if remaining < parkFor {
					parkFor = remaining
				}
			}
			_ = r.ctrl.Wait(notify, parkFor)
			r.ctrl.DecrWaitersPending()
			r.maybeHeartbeat()
		}
	}
}

func (r *Reader) maybeHeartbeat() {
	if time.Since(r.lastHeartbeat) < waitHeartbeatInterval {
		return
	}
	r.lastHeartbeat = time.Now()
	_ = r.posFile.Heartbeat(r.currentPosition(), r.lastHeartbeat)
}

func (r *Reader) currentPosition() readerpos.Position {
	return readerpos.Position{
		SegmentID:   r.segID,
		Offset:      r.offset,
		LastSeq:     r.lastSeq,
		HeartbeatNs: time.Now().UnixNano(),
	}
}

// Commit durably persists the reader's current position, so a restart
// resumes past everything already processed (spec §4.6 "Commit", R2).
func (r *Reader) Commit() error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.posFile.Commit(r.currentPosition())
}

// SeekBySeq repositions the reader to the record with the given sequence
// number (spec §4.6 "seek_by_seq"). It first binary-searches the sealed
// segments' [first_seq, last_seq] ranges via seekindex.FindSegmentBySeq to
// pick a single candidate segment, then uses that segment's sidecar seek
// index to avoid a linear scan from its start. Returns ErrNotFound if seq
// has already been retained away or has not been written yet.
func (r *Reader) SeekBySeq(seq uint64) error {
	if r.isClosed() {
		return ErrClosed
	}
	ids, err := segment.ListSegmentIDs(r.dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ranges []seekindex.SegmentRange
	tailID := ids[len(ids)-1]
	for _, id := range ids {
		h, err := segment.Open(r.dir, id)
		if err != nil {
			return err
		}
		hdr := h.Header()
		h.Close()
		if !hdr.Sealed {
			tailID = id
			break
		}
		ranges = append(ranges, seekindex.SegmentRange{SegmentID: id, First: hdr.FirstSeq, Last: hdr.LastSeq})
	}

	if sr, found := seekindex.FindSegmentBySeq(ranges, seq); found {
		if err := r.seekToSeqInSegment(sr.SegmentID, seq); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	// Either no sealed segment's range contains seq (it may be in the
	// still-open tail), or the candidate came up empty; fall back to the
	// tail, the one segment the range search above never covers.
	if err := r.seekToSeqInSegment(tailID, seq); err != nil {
		return err
	}
	return nil
}

// seekToSeqInSegment opens segment id, consults its sidecar index for a
// starting offset, and linear-scans from there for target. On success it
// repositions the reader onto that segment at the found offset.
func (r *Reader) seekToSeqInSegment(id uint32, target uint64) error {
	seg, err := segment.Open(r.dir, id)
	if err != nil {
		return err
	}
	start := 0
	if idx, err := seekindex.Load(filepath.Join(r.dir, segment.IndexFileName(id))); err == nil {
		if entry, ok := idx.FloorBySeq(target); ok {
			start = entry.ByteOffset
		}
	}
	found, offset, err := scanForSeq(seg, start, target)
	if err != nil {
		seg.Close()
		return err
	}
	if !found {
		seg.Close()
		return ErrNotFound
	}
	r.seg.Close()
	r.seg = seg
	r.segID = id
	r.offset = offset
	return nil
}

// SeekByTimestamp repositions the reader to the first record with
// timestamp_ns >= target, symmetric to SeekBySeq (spec §4.6
// "seek_by_timestamp").
func (r *Reader) SeekByTimestamp(targetNs int64) error {
	if r.isClosed() {
		return ErrClosed
	}
	ids, err := segment.ListSegmentIDs(r.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		seg, err := segment.Open(r.dir, id)
		if err != nil {
			return err
		}
		start := 0
		if idx, err := seekindex.Load(filepath.Join(r.dir, segment.IndexFileName(id))); err == nil {
			if entry, ok := idx.FloorByTimestamp(targetNs); ok {
				start = entry.ByteOffset
			}
		}
		found, offset, err := scanForTimestamp(seg, start, targetNs)
		if err != nil {
			seg.Close()
			return err
		}
		if !found {
			seg.Close()
			continue
		}
		r.seg.Close()
		r.seg = seg
		r.segID = id
		r.offset = offset
		return nil
	}
	return ErrNotFound
}

func scanForSeq(seg *segment.Segment, start int, target uint64) (bool, int, error) {
	offset := start
	for {
		view, ok, err := seg.Observe(offset)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			return false, 0, nil
		}
		if view.Header.TypeID != record.PaddingTypeID && view.Header.Seq >= target {
			return view.Header.Seq == target, offset, nil
		}
		offset += record.AlignedSize(len(view.Payload))
	}
}

func scanForTimestamp(seg *segment.Segment, start int, targetNs int64) (bool, int, error) {
	offset := start
	for {
		view, ok, err := seg.Observe(offset)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			return false, 0, nil
		}
		if view.Header.TypeID != record.PaddingTypeID && int64(view.Header.TimestampNs) >= targetNs {
			return true, offset, nil
		}
		offset += record.AlignedSize(len(view.Payload))
	}
}

// MetricsSnapshot returns a point-in-time copy of this reader's metrics.
func (r *Reader) MetricsSnapshot() ReaderMetricsSnapshot { return r.metrics.snapshot() }

// Close releases this reader's resources. It does not delete the reader's
// checkpoint file: the same name reopened later resumes where it left off.
func (r *Reader) Close() error {
	if !atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		return nil
	}
	r.seg.Close()
	posErr := r.posFile.Close()
	ctrlErr := r.ctrl.Close()
	if posErr != nil {
		return posErr
	}
	return ctrlErr
}

// asFanInSource adapts a Reader to fanin.Source by pre-fetching and caching
// one record at a time (the interface never blocks, so it must not call
// Wait). This lets any number of Readers be merged by fanin.Merger without
// fanin depending on the segment/record types at all.
type asFanInSource struct {
	r      *Reader
	cached Record
	have   bool
}

// AsFanInSource wraps r for use as one input to a fanin.Merger.
func (r *Reader) AsFanInSource() interface {
	Next() (int64, []byte, bool, error)
} {
	return &asFanInSource{r: r}
}

func (s *asFanInSource) Next() (int64, []byte, bool, error) {
	if !s.have {
		rec, ok, err := s.r.Next()
		if err != nil || !ok {
			return 0, nil, false, err
		}
		s.cached = rec
		s.have = true
	}
	rec := s.cached
	s.have = false
	return rec.TimestampNs, rec.Payload, true, nil
}
