// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-wal/chronicle/control"
	"github.com/chronicle-wal/chronicle/lockfile"
	"github.com/chronicle-wal/chronicle/metadb"
	"github.com/chronicle-wal/chronicle/readerpos"
	"github.com/chronicle-wal/chronicle/record"
	"github.com/chronicle-wal/chronicle/retention"
	"github.com/chronicle-wal/chronicle/seekindex"
	"github.com/chronicle-wal/chronicle/segment"
)

// Writer is the single exclusive publisher for one Chronicle log directory
// (spec §2 "Writer"). Only one Writer may be open against a directory at a
// time, enforced by lockfile (spec P7).
//
// All exported methods are safe to call from a single goroutine only,
// except Close, MetricsSnapshot, and Flush, which may be called
// concurrently with Append from another goroutine but not with each other.
type Writer struct {
	closed uint32

	dir    string
	opts   WriterOptions
	lock   *lockfile.Lock
	ctrl   *control.Block
	cat    *catalog
	metaDB *metadb.DB

	metrics *writerMetrics
	logger  log.Logger

	prealloc *preallocator
	sealer   *sealer

	retentionTrigger chan struct{}
	stopRetention    chan struct{}
	wg               sync.WaitGroup

	writeMu sync.Mutex

	tail          *segment.Segment
	tailID        uint32
	tailFirstSeq  uint64
	tailCreatedNs int64
	writeOff      int
	nextSeq       uint64
	nextSegmentID uint32
	idxBuilder    *seekindex.Builder

	globalOff int64 // atomic: cumulative bytes across the whole log's lifetime
}

// OpenWriter opens dir as the exclusive writer of a Chronicle log, creating
// it if it does not already exist (spec §4.2 "Open (writer)"). Only one
// OpenWriter may succeed per directory at a time (spec P7); a second call
// while the first is still open returns ErrWriterAlreadyActive.
func OpenWriter(dir string, opts ...WriterOption) (*Writer, error) {
	o := defaultWriterOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chronicle: mkdir %s: %w", dir, err)
	}

	lock, err := lockfile.Acquire(filepath.Join(dir, "writer.lock"))
	if err != nil {
		return nil, err
	}

	ctrl, err := control.Open(filepath.Join(dir, "control.meta"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			lock.Release()
			return nil, err
		}
		ctrl, err = control.Create(filepath.Join(dir, "control.meta"), uint32(o.SegmentSize))
		if err != nil {
			lock.Release()
			return nil, err
		}
	}
	// The Control Block's segment size is authoritative over any
	// locally-configured value once the log already exists (spec §4.3
	// "Versioning").
	o.SegmentSize = int(ctrl.SegmentSize())

	metaDB, err := metadb.Open(filepath.Join(dir, "index.meta"))
	if err != nil {
		ctrl.Close()
		lock.Release()
		return nil, err
	}

	w := &Writer{
		dir:              dir,
		opts:             o,
		lock:             lock,
		ctrl:             ctrl,
		cat:              newCatalog(),
		metaDB:           metaDB,
		metrics:          newWriterMetrics(o.Registerer),
		logger:           o.Logger,
		retentionTrigger: make(chan struct{}, 1),
		stopRetention:    make(chan struct{}),
	}

	if err := w.recover(); err != nil {
		metaDB.Close()
		ctrl.Close()
		lock.Release()
		return nil, err
	}

	w.prealloc = newPreallocator(dir, o.SegmentSize, o.Memlock, lock.Epoch(), o.Logger, w.metrics)
	w.sealer = newSealer(o.Logger, w.metrics)

	// Republish the recovered position: either this is a brand-new log
	// (already zero-valued) or recovery may have rolled past a torn tail,
	// in which case readers must observe the corrected position.
	w.ctrl.PublishSegmentRoll(uint64(w.tailID))
	w.ctrl.PublishWriteOffset(uint64(w.writeOff))
	w.ctrl.WriterHeartbeat(time.Now().UnixNano())

	w.wg.Add(1)
	go w.runRetention()

	w.prealloc.request(w.nextSegmentID)

	return w, nil
}

// recover implements spec §4.2's writer-open recovery: list existing
// segments, replay each sealed segment's header into the catalog, and run
// Repair over the tail to resume at its true end (or roll past a torn
// write).
func (w *Writer) recover() error {
	ids, err := segment.ListSegmentIDs(w.dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		tail, err := segment.CreateOrOpen(w.dir, 0, w.opts.SegmentSize, time.Now().UnixNano(), w.lock.Epoch())
		if err != nil {
			return err
		}
		w.tail = tail
		w.tailID = 0
		w.tailFirstSeq = 0
		w.tailCreatedNs = tail.Header().CreatedNs
		w.nextSegmentID = 1
		w.idxBuilder = seekindex.NewBuilder(w.opts.SeekIndexStride, w.opts.SegmentSize, record.HeaderSize)
		w.cat.set(segmentEntry{ID: 0, FirstSeq: 0, Sealed: false, GlobalStartOff: 0})
		return nil
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// The tail is the lowest-id unsealed segment; any higher ids are
	// segments the preallocator published ahead of the writer, which hold
	// no records yet.
	tailIdx := len(ids) - 1
	for i, id := range ids[:len(ids)-1] {
		seg, err := segment.Open(w.dir, id)
		if err != nil {
			return err
		}
		sealed := seg.IsSealed()
		seg.Close()
		if !sealed {
			tailIdx = i
			break
		}
	}
	ids = ids[:tailIdx+1]

	var cum int64
	for i, id := range ids {
		if i < len(ids)-1 {
			seg, err := segment.Open(w.dir, id)
			if err != nil {
				return err
			}
			h := seg.Header()
			w.cat.set(segmentEntry{
				ID: id, FirstSeq: h.FirstSeq, LastSeq: h.LastSeq, Sealed: true,
				GlobalStartOff: cum, GlobalEndOff: cum + int64(seg.Capacity()),
			})
			cum += int64(seg.Capacity())
			if h.LastSeq+1 > w.nextSeq {
				w.nextSeq = h.LastSeq + 1
			}
			seg.Close()
			continue
		}

		tail, err := segment.Open(w.dir, id)
		if err != nil {
			return err
		}
		res, err := segment.Repair(tail)
		if err != nil {
			tail.Close()
			return err
		}
		if res.HasRecords && res.LastSeq+1 > w.nextSeq {
			w.nextSeq = res.LastSeq + 1
		}

		if res.Sealed {
			capacity := tail.Capacity()
			w.cat.set(segmentEntry{
				ID: id, FirstSeq: res.FirstSeq, LastSeq: res.LastSeq, Sealed: true,
				GlobalStartOff: cum, GlobalEndOff: cum + int64(capacity),
			})
			cum += int64(capacity)
			tail.Close()

			next := id + 1
			fresh, err := segment.CreateOrOpen(w.dir, next, w.opts.SegmentSize, time.Now().UnixNano(), w.lock.Epoch())
			if err != nil {
				return err
			}
			w.tail = fresh
			w.tailID = next
			w.tailFirstSeq = w.nextSeq
			w.tailCreatedNs = fresh.Header().CreatedNs
			w.writeOff = 0
			w.nextSegmentID = next + 1
			w.cat.set(segmentEntry{ID: next, FirstSeq: w.nextSeq, Sealed: false, GlobalStartOff: cum})
		} else {
			w.tail = tail
			w.tailID = id
			w.tailFirstSeq = res.FirstSeq
			if !res.HasRecords {
				w.tailFirstSeq = w.nextSeq
			}
			w.tailCreatedNs = tail.Header().CreatedNs
			w.writeOff = res.TailOffset
			w.nextSegmentID = id + 1
			w.cat.set(segmentEntry{ID: id, FirstSeq: w.tailFirstSeq, Sealed: false, GlobalStartOff: cum})
		}
		w.globalOff = cum + int64(w.writeOff)
	}

	w.idxBuilder = seekindex.NewBuilder(w.opts.SeekIndexStride, w.opts.SegmentSize, record.HeaderSize)
	return nil
}

func (w *Writer) isClosed() bool { return atomic.LoadUint32(&w.closed) != 0 }

// Append publishes one record with the given application-defined typeID
// and payload, returning its assigned sequence number (spec §4.5 "Append").
// typeID record.PaddingTypeID is reserved and rejected.
func (w *Writer) Append(typeID uint16, payload []byte) (uint64, error) {
	if w.isClosed() {
		return 0, ErrClosed
	}
	if typeID == record.PaddingTypeID {
		return 0, fmt.Errorf("%w: type id %d is reserved for padding", ErrUnsupported, typeID)
	}
	maxPayload := w.opts.SegmentSize - segment.DataOffset - record.HeaderSize
	if len(payload) > maxPayload {
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds maximum %d", ErrUnsupported, len(payload), maxPayload)
	}

	start := time.Now()
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	size := record.AlignedSize(len(payload))
	if w.writeOff+size > w.tail.Capacity() {
		if err := w.roll(); err != nil {
			return 0, err
		}
	}

	seq := w.nextSeq
	tsNs := time.Now().UnixNano()
	n, err := w.tail.WriteRecord(w.writeOff, seq, tsNs, typeID, 0, payload)
	if err != nil {
		return 0, err
	}

	w.idxBuilder.Observe(seq, tsNs, w.writeOff)
	w.writeOff += n
	w.nextSeq++
	atomic.AddInt64(&w.globalOff, int64(n))

	w.ctrl.PublishWriteOffset(uint64(w.writeOff))
	if w.ctrl.WaitersPending() > 0 {
		w.ctrl.Wake()
	}

	w.metrics.observeAppend(len(payload), time.Since(start).Nanoseconds())
	return seq, nil
}

// roll seals the current tail, hands it to the async sealer, consumes (or
// synchronously creates) the next segment, and publishes the roll via the
// Control Block (spec §4.5 "Roll"). Must be called with writeMu held.
func (w *Writer) roll() error {
	start := time.Now()

	lastSeq := w.nextSeq - 1
	if w.nextSeq == 0 {
		lastSeq = 0
	}
	w.tail.Seal(w.tailFirstSeq, lastSeq)

	if w.opts.DeferSealSync {
		w.sealer.enqueue(w.tail)
	} else if err := w.tail.Sync(); err != nil {
		w.metrics.observeSealError()
	}

	idxPath := filepath.Join(w.dir, segment.IndexFileName(w.tailID))
	if err := seekindex.Write(idxPath, w.opts.SeekIndexStride, w.idxBuilder.Entries()); err != nil {
		w.metrics.observeSealError()
	}

	sealedCapacity := w.tail.Capacity()
	sealedGlobalStart := atomic.LoadInt64(&w.globalOff) - int64(w.writeOff)
	w.cat.set(segmentEntry{
		ID: w.tailID, FirstSeq: w.tailFirstSeq, LastSeq: lastSeq, Sealed: true,
		GlobalStartOff: sealedGlobalStart, GlobalEndOff: sealedGlobalStart + int64(sealedCapacity),
	})

	expected := w.nextSegmentID
	next, err := w.consumePreallocOrFallback(expected)
	if err != nil {
		return err
	}

	ageSeconds := time.Since(time.Unix(0, w.tailCreatedNs)).Seconds()

	w.tail = next
	w.tailID = expected
	w.tailFirstSeq = w.nextSeq
	w.tailCreatedNs = next.Header().CreatedNs
	w.writeOff = 0
	w.nextSegmentID = expected + 1
	w.idxBuilder = seekindex.NewBuilder(w.opts.SeekIndexStride, w.opts.SegmentSize, record.HeaderSize)

	newGlobalStart := sealedGlobalStart + int64(sealedCapacity)
	atomic.StoreInt64(&w.globalOff, newGlobalStart)
	w.cat.set(segmentEntry{ID: expected, FirstSeq: w.nextSeq, Sealed: false, GlobalStartOff: newGlobalStart})

	w.ctrl.PublishSegmentRoll(uint64(expected))
	if err := w.metaDB.Store(metadb.Hint{SegmentID: expected, WriteOffset: 0}); err != nil {
		w.metrics.observeRetentionError()
	}

	w.prealloc.request(expected + 1)
	w.triggerRetention()

	w.metrics.observeRoll(ageSeconds, time.Since(start).Nanoseconds())
	return nil
}

// consumePreallocOrFallback implements spec §4.5's bounded wait on roll: it
// spins for up to PreallocSpinWait for the background preallocator to
// publish the expected segment, then falls back to a synchronous
// open-or-create (or fails with ErrPreallocUnavailable if RequirePrealloc
// is set). Any consumed segment tagged with a stale writer epoch (a
// hand-off left behind by a prior writer incarnation that reclaimed the
// lock, spec §4.4) is discarded rather than adopted.
func (w *Writer) consumePreallocOrFallback(expected uint32) (*segment.Segment, error) {
	deadline := time.Now().Add(w.opts.PreallocSpinWait)
	for time.Now().Before(deadline) {
		if seg, ok := w.consumeFreshPrealloc(expected); ok {
			return seg, nil
		}
		if w.opts.WaitStrategy == WaitPeriodicSleep {
			time.Sleep(w.opts.SleepInterval)
		} else {
			runtime.Gosched()
		}
	}
	if seg, ok := w.consumeFreshPrealloc(expected); ok {
		return seg, nil
	}
	if w.opts.RequirePrealloc {
		return nil, ErrPreallocUnavailable
	}
	return segment.CreateOrOpen(w.dir, expected, w.opts.SegmentSize, time.Now().UnixNano(), w.lock.Epoch())
}

// consumeFreshPrealloc consumes a prepared segment from the preallocator and
// rejects it if its header carries a writer epoch other than this writer's
// own, closing the stale segment instead of returning it.
func (w *Writer) consumeFreshPrealloc(expected uint32) (*segment.Segment, bool) {
	seg, ok := w.prealloc.consume(expected)
	if !ok {
		return nil, false
	}
	if seg.Header().WriterEpoch != w.lock.Epoch() {
		level.Warn(w.logger).Log("msg", "discarding stale preallocated segment", "segment", expected, "segment_epoch", seg.Header().WriterEpoch, "writer_epoch", w.lock.Epoch())
		seg.Close()
		return nil, false
	}
	return seg, true
}

// scanReaders loads every reader checkpoint under dir/readers and converts
// each into a retention.ReaderState for feeding into retention.MinLivePosition.
func (w *Writer) scanReaders() ([]retention.ReaderState, error) {
	entries, err := os.ReadDir(filepath.Join(w.dir, "readers"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []retention.ReaderState
	head := atomic.LoadInt64(&w.globalOff)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rf, err := readerpos.Open(filepath.Join(w.dir, "readers", e.Name()))
		if err != nil {
			continue
		}
		pos, _, ok := rf.Load()
		rf.Close()
		if !ok {
			continue
		}
		var readerGlobalOff int64
		if entry, found := w.cat.get(pos.SegmentID); found {
			readerGlobalOff = entry.GlobalStartOff + int64(pos.Offset)
		}
		out = append(out, retention.ReaderState{
			Name:          e.Name(),
			HeartbeatNs:   pos.HeartbeatNs,
			GlobalByteLag: head - readerGlobalOff,
		})
	}
	return out, nil
}

func (w *Writer) triggerRetention() {
	select {
	case w.retentionTrigger <- struct{}{}:
	default:
	}
}

func (w *Writer) runRetention() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopRetention:
			return
		case <-w.retentionTrigger:
			w.doRetention()
		}
	}
}

func (w *Writer) doRetention() {
	readers, err := w.scanReaders()
	if err != nil {
		w.metrics.observeRetentionError()
		return
	}
	minPos, ok := retention.MinLivePosition(atomic.LoadInt64(&w.globalOff), readers, w.opts.Retention, time.Now())
	if !ok {
		// No reader files registered at all: nothing is known to be
		// reading this log yet, so never delete (spec §8 boundary).
		return
	}
	head, hasHead := w.cat.headID()
	for _, id := range retention.Deletable(w.cat.ranges(), minPos) {
		if hasHead && id == head {
			// Deletable never returns the head by construction; this is a
			// last-ditch guard against ever unlinking the segment still
			// being appended to.
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, segment.FileName(id))); err != nil {
			w.metrics.observeRetentionError()
			continue
		}
		os.Remove(filepath.Join(w.dir, segment.IndexFileName(id)))
		w.cat.delete(id)
	}
}

// Flush fsyncs the active tail segment, without rolling it.
func (w *Writer) Flush() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.tail.Sync()
}

// MetricsSnapshot returns a point-in-time copy of this writer's metrics
// (spec §7's observability contract for background failures).
func (w *Writer) MetricsSnapshot() WriterMetricsSnapshot { return w.metrics.snapshot() }

// Close stops all background workers, syncs and closes the active segment,
// and releases the exclusive writer lock. Safe to call once; a second call
// is a no-op.
func (w *Writer) Close() error {
	if !atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		return nil
	}
	close(w.stopRetention)
	w.wg.Wait()
	w.prealloc.close()
	w.sealer.close()

	w.writeMu.Lock()
	syncErr := w.tail.Sync()
	w.tail.Close()
	w.writeMu.Unlock()

	w.metaDB.Close()
	w.ctrl.Close()
	lockErr := w.lock.Release()
	if syncErr != nil {
		return syncErr
	}
	return lockErr
}
