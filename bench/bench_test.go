// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-wal/chronicle"
)

var randomData = make([]byte, 1024*1024)

func init() {
	for i := range randomData {
		randomData[i] = byte(i)
	}
}

// BenchmarkAppend compares Chronicle's Writer.Append against a plain
// bbolt-backed queue across entry sizes, mirroring the teacher's own
// WAL-vs-Bolt A/B benchmark shape but against Chronicle's actual
// competitor for this spec: a naive durable queue with no mmap, no
// seqlock, and no background preallocation.
func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024, 1024 * 1024}
	sizeNames := []string{"10", "1k", "100k", "1m"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("entrySize=%s/v=Chronicle", sizeNames[i]), func(b *testing.B) {
			w, _, done := openChronicleWriter(b)
			defer done()
			runChronicleAppendBench(b, w, s)
		})
		b.Run(fmt.Sprintf("entrySize=%s/v=Bolt", sizeNames[i]), func(b *testing.B) {
			db, done := openBoltQueue(b)
			defer done()
			runBoltAppendBench(b, db, s)
		})
	}
}

func openChronicleWriter(b *testing.B) (*chronicle.Writer, string, func()) {
	b.Helper()
	tmpDir, err := os.MkdirTemp("", "chronicle-bench-*")
	require.NoError(b, err)

	// Force frequent rolls to profile segment rotation under load, as the
	// teacher's own bench harness does with WithSegmentSize(512).
	w, err := chronicle.OpenWriter(tmpDir, chronicle.WithSegmentSize(1<<20))
	require.NoError(b, err)

	return w, tmpDir, func() {
		w.Close()
		os.RemoveAll(tmpDir)
	}
}

func openBoltQueue(b *testing.B) (*bolt.DB, func()) {
	b.Helper()
	tmpDir, err := os.MkdirTemp("", "bolt-queue-bench-*")
	require.NoError(b, err)

	db, err := bolt.Open(filepath.Join(tmpDir, "queue.db"), 0o644, nil)
	require.NoError(b, err)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("queue"))
		return err
	})
	require.NoError(b, err)

	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func runChronicleAppendBench(b *testing.B, w *chronicle.Writer, size int) {
	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	payload := randomData[:size]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		_, err := w.Append(1, payload)
		hist.RecordValue(time.Since(start).Nanoseconds())
		if err != nil {
			b.Fatalf("error appending: %s", err)
		}
	}
	b.StopTimer()

	writeHistogramReport(b, hist, "chronicle-append")
}

func runBoltAppendBench(b *testing.B, db *bolt.DB, size int) {
	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	payload := randomData[:size]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		start := time.Now()
		err := db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("queue")).Put(key, payload)
		})
		hist.RecordValue(time.Since(start).Nanoseconds())
		if err != nil {
			b.Fatalf("error appending: %s", err)
		}
	}
	b.StopTimer()

	writeHistogramReport(b, hist, "bolt-append")
}

// BenchmarkRead compares Reader.Next's sequential-scan read path against a
// bbolt cursor walk over the same payload sizes.
func BenchmarkRead(b *testing.B) {
	sizes := []int{128, 1024}
	sizeNames := []string{"128", "1k"}
	const n = 10_000

	for i, s := range sizes {
		b.Run(fmt.Sprintf("numRecords=%d/entrySize=%s/v=Chronicle", n, sizeNames[i]), func(b *testing.B) {
			w, dir, done := openChronicleWriter(b)
			populateChronicle(b, w, n, s)

			r, err := chronicle.OpenReader(dir, "bench-reader")
			require.NoError(b, err)
			defer func() {
				r.Close()
				done()
			}()

			b.ResetTimer()
			for j := 0; j < b.N; j++ {
				if _, ok, err := r.Next(); err != nil {
					b.Fatalf("error reading: %s", err)
				} else if !ok {
					require.NoError(b, r.SeekBySeq(0))
				}
			}
		})

		b.Run(fmt.Sprintf("numRecords=%d/entrySize=%s/v=Bolt", n, sizeNames[i]), func(b *testing.B) {
			db, done := openBoltQueue(b)
			defer done()
			populateBolt(b, db, n, s)

			b.ResetTimer()
			for j := 0; j < b.N; j++ {
				key := make([]byte, 8)
				binary.BigEndian.PutUint64(key, uint64(j%n))
				err := db.View(func(tx *bolt.Tx) error {
					v := tx.Bucket([]byte("queue")).Get(key)
					if v == nil {
						return fmt.Errorf("missing key %d", j%n)
					}
					return nil
				})
				require.NoError(b, err)
			}
		})
	}
}

func populateBolt(b *testing.B, db *bolt.DB, n, size int) {
	b.Helper()
	payload := randomData[:size]
	for i := 0; i < n; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		err := db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("queue")).Put(key, payload)
		})
		require.NoError(b, err)
	}
}

func populateChronicle(b *testing.B, w *chronicle.Writer, n, size int) {
	b.Helper()
	payload := randomData[:size]
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := w.Append(1, payload); err != nil {
			require.NoError(b, err)
		}
	}
	b.Logf("populateTime=%s", time.Since(start))
}

func writeHistogramReport(b *testing.B, hist *hdrhistogram.Histogram, name string) {
	b.Helper()
	path := filepath.Join(b.TempDir(), name+".hgrm")
	if err := hdrwriter.WriteDistributionFile(hist, []float64{50, 90, 99, 99.9, 99.99}, 1.0, path); err != nil {
		b.Logf("hdrhistogram-writer: %s: %v", name, err)
	}
}
