// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

// latencySampleWindow bounds the ring buffer used to compute
// append-latency mean/stddev; the HDR histogram already gives exact
// percentiles, so this only needs to be large enough for a meaningful
// short-window jitter estimate, not a full history.
const latencySampleWindow = 256

// writerMetrics mirrors the teacher's walMetrics shape (one counter/gauge
// per named event, registered via promauto.With) extended with HDR
// histograms for append and roll latency, since a microsecond-latency IPC
// log needs percentiles, not just counters (SPEC_FULL.md §0).
type writerMetrics struct {
	bytesWritten          prometheus.Counter
	entriesWritten        prometheus.Counter
	appends               prometheus.Counter
	segmentRotations      prometheus.Counter
	preallocErrors        prometheus.Counter
	sealErrors            prometheus.Counter
	retentionErrors       prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge

	// Snapshot-friendly duplicates of the counters above; prometheus.Counter
	// has no public accessor for its current value, and MetricsSnapshot
	// needs one without scraping the registry.
	atomicBytesWritten     uint64
	atomicEntriesWritten   uint64
	atomicAppends          uint64
	atomicSegmentRotations uint64
	atomicPreallocErrors   uint64
	atomicSealErrors       uint64
	atomicRetentionErrors  uint64

	histMu          sync.Mutex
	appendLatencyNs *hdrhistogram.Histogram
	rollLatencyNs   *hdrhistogram.Histogram

	// latencySamples is a fixed-size ring buffer feeding gonum/stat's
	// mean/stddev, supplementing the HDR histogram's percentiles with a
	// short-window jitter estimate (SPEC_FULL.md's domain-stack wiring).
	latencySamples    [latencySampleWindow]float64
	latencySampleHead int
	latencySampleN    int
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	return &writerMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_entry_bytes_written",
			Help: "entry_bytes_written counts the bytes of payload written, excluding headers and padding.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_entries_written",
			Help: "entries_written counts the number of records appended.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_appends",
			Help: "appends counts calls to Append.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_segment_rotations",
			Help: "segment_rotations counts how many times the writer rolled to a new segment.",
		}),
		preallocErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_prealloc_errors",
			Help: "prealloc_errors counts background preallocation failures.",
		}),
		sealErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_seal_errors",
			Help: "seal_errors counts background async-sealer fsync failures.",
		}),
		retentionErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_writer_retention_errors",
			Help: "retention_errors counts background retention deletion failures.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_writer_last_segment_age_seconds",
			Help: "last_segment_age_seconds is set on each roll to the sealed segment's lifetime.",
		}),
		appendLatencyNs: hdrhistogram.New(1, 1_000_000_000, 3),
		rollLatencyNs:   hdrhistogram.New(1, 1_000_000_000, 3),
	}
}

func (m *writerMetrics) observeAppend(nBytes int, latencyNs int64) {
	m.appends.Inc()
	m.entriesWritten.Inc()
	m.bytesWritten.Add(float64(nBytes))
	atomic.AddUint64(&m.atomicAppends, 1)
	atomic.AddUint64(&m.atomicEntriesWritten, 1)
	atomic.AddUint64(&m.atomicBytesWritten, uint64(nBytes))
	m.histMu.Lock()
	m.appendLatencyNs.RecordValue(latencyNs)
	m.latencySamples[m.latencySampleHead] = float64(latencyNs)
	m.latencySampleHead = (m.latencySampleHead + 1) % latencySampleWindow
	if m.latencySampleN < latencySampleWindow {
		m.latencySampleN++
	}
	m.histMu.Unlock()
}

func (m *writerMetrics) observeRoll(ageSeconds float64, latencyNs int64) {
	m.segmentRotations.Inc()
	atomic.AddUint64(&m.atomicSegmentRotations, 1)
	m.lastSegmentAgeSeconds.Set(ageSeconds)
	m.histMu.Lock()
	m.rollLatencyNs.RecordValue(latencyNs)
	m.histMu.Unlock()
}

func (m *writerMetrics) observePreallocError() {
	m.preallocErrors.Inc()
	atomic.AddUint64(&m.atomicPreallocErrors, 1)
}

func (m *writerMetrics) observeSealError() {
	m.sealErrors.Inc()
	atomic.AddUint64(&m.atomicSealErrors, 1)
}

func (m *writerMetrics) observeRetentionError() {
	m.retentionErrors.Inc()
	atomic.AddUint64(&m.atomicRetentionErrors, 1)
}

// WriterMetricsSnapshot is the observability contract for writer background
// failures (spec §7 "the writer metrics snapshot is the observability
// contract for background failures").
type WriterMetricsSnapshot struct {
	BytesWritten     uint64
	EntriesWritten   uint64
	Appends          uint64
	SegmentRotations uint64
	PreallocErrors   uint64
	SealErrors       uint64
	RetentionErrors  uint64

	AppendLatencyP50Ns  int64
	AppendLatencyP99Ns  int64
	AppendLatencyP999Ns int64
	RollLatencyP50Ns    int64
	RollLatencyP99Ns    int64

	// AppendLatencyMeanNs/StdDevNs summarize the most recent
	// latencySampleWindow appends, computed via gonum/stat.
	AppendLatencyMeanNs   float64
	AppendLatencyStdDevNs float64
}

func (m *writerMetrics) snapshot() WriterMetricsSnapshot {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	mean, stddev := 0.0, 0.0
	if m.latencySampleN > 0 {
		mean, stddev = stat.MeanStdDev(m.latencySamples[:m.latencySampleN], nil)
	}
	return WriterMetricsSnapshot{
		BytesWritten:          atomic.LoadUint64(&m.atomicBytesWritten),
		EntriesWritten:        atomic.LoadUint64(&m.atomicEntriesWritten),
		Appends:               atomic.LoadUint64(&m.atomicAppends),
		SegmentRotations:      atomic.LoadUint64(&m.atomicSegmentRotations),
		PreallocErrors:        atomic.LoadUint64(&m.atomicPreallocErrors),
		SealErrors:            atomic.LoadUint64(&m.atomicSealErrors),
		RetentionErrors:       atomic.LoadUint64(&m.atomicRetentionErrors),
		AppendLatencyP50Ns:    m.appendLatencyNs.ValueAtQuantile(50),
		AppendLatencyP99Ns:    m.appendLatencyNs.ValueAtQuantile(99),
		AppendLatencyP999Ns:   m.appendLatencyNs.ValueAtQuantile(99.9),
		RollLatencyP50Ns:      m.rollLatencyNs.ValueAtQuantile(50),
		RollLatencyP99Ns:      m.rollLatencyNs.ValueAtQuantile(99),
		AppendLatencyMeanNs:   mean,
		AppendLatencyStdDevNs: stddev,
	}
}

// readerMetrics meters the reader side symmetrically to writerMetrics,
// supplementing the distilled spec per SPEC_FULL.md §3 ("Reader metrics").
type readerMetrics struct {
	entriesRead    prometheus.Counter
	entryBytesRead prometheus.Counter
	waits          prometheus.Counter
	waitTimeouts   prometheus.Counter

	atomicEntriesRead    uint64
	atomicEntryBytesRead uint64
	atomicWaits          uint64
	atomicWaitTimeouts   uint64
}

func newReaderMetrics(reg prometheus.Registerer) *readerMetrics {
	return &readerMetrics{
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_entries_read",
			Help: "entries_read counts records delivered by Next.",
		}),
		entryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_entry_bytes_read",
			Help: "entry_bytes_read counts payload bytes delivered by Next.",
		}),
		waits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_waits",
			Help: "waits counts calls to Wait.",
		}),
		waitTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_wait_timeouts",
			Help: "wait_timeouts counts Wait calls that returned ErrTimeout.",
		}),
	}
}

func (m *readerMetrics) observeRead(n int) {
	m.entriesRead.Inc()
	m.entryBytesRead.Add(float64(n))
	atomic.AddUint64(&m.atomicEntriesRead, 1)
	atomic.AddUint64(&m.atomicEntryBytesRead, uint64(n))
}

func (m *readerMetrics) observeWait(timedOut bool) {
	m.waits.Inc()
	atomic.AddUint64(&m.atomicWaits, 1)
	if timedOut {
		m.waitTimeouts.Inc()
		atomic.AddUint64(&m.atomicWaitTimeouts, 1)
	}
}

// ReaderMetricsSnapshot is the reader-side analogue of WriterMetricsSnapshot.
type ReaderMetricsSnapshot struct {
	EntriesRead    uint64
	EntryBytesRead uint64
	Waits          uint64
	WaitTimeouts   uint64
}

func (m *readerMetrics) snapshot() ReaderMetricsSnapshot {
	return ReaderMetricsSnapshot{
		EntriesRead:    atomic.LoadUint64(&m.atomicEntriesRead),
		EntryBytesRead: atomic.LoadUint64(&m.atomicEntryBytesRead),
		Waits:          atomic.LoadUint64(&m.atomicWaits),
		WaitTimeouts:   atomic.LoadUint64(&m.atomicWaitTimeouts),
	}
}
