// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronicle-wal/chronicle/record"
	"github.com/chronicle-wal/chronicle/segment"
)

// smallSegmentSize is just large enough to hold a handful of tiny records,
// so rolls can be exercised without writing megabytes in a test.
const smallSegmentSize = segment.DataOffset + 4*record.HeaderSize

func TestOpenWriterCreatesFreshLog(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	require.FileExists(t, filepath.Join(dir, "control.meta"))
	require.FileExists(t, filepath.Join(dir, "writer.lock"))
	require.FileExists(t, filepath.Join(dir, segment.FileName(0)))
}

func TestOpenWriterSecondTimeFailsWhileFirstStillOpen(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	_, err = OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.ErrorIs(t, err, ErrWriterAlreadyActive)
}

func TestAppendAssignsIncreasingSequenceNumbers(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	seq0, err := w.Append(1, []byte("a"))
	require.NoError(t, err)
	seq1, err := w.Append(1, []byte("b"))
	require.NoError(t, err)

	require.EqualValues(t, 0, seq0)
	require.EqualValues(t, 1, seq1)
}

func TestAppendRejectsPaddingTypeID(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(record.PaddingTypeID, []byte("x"))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	maxPayload := smallSegmentSize - segment.DataOffset - record.HeaderSize
	_, err = w.Append(1, make([]byte, maxPayload+1))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestAppendRollsToNewSegmentWhenTailFull(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize), WithPreallocSpinWait(time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	// Each 1-byte record aligns to two header-sized slots (128 bytes), so
	// smallSegmentSize's 256-byte data region holds 2: five appends fill
	// segments 0 and 1 and start segment 2, i.e. two rolls.
	for i := 0; i < 5; i++ {
		_, err := w.Append(1, []byte{byte(i)})
		require.NoError(t, err)
	}

	require.FileExists(t, filepath.Join(dir, segment.FileName(0)))
	require.FileExists(t, filepath.Join(dir, segment.FileName(1)))

	snap := w.MetricsSnapshot()
	require.EqualValues(t, 5, snap.Appends)
	require.EqualValues(t, 2, snap.SegmentRotations)
}

func TestAppendAfterCloseReturnsErrClosed(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(1, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWriterReopenResumesSequenceAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(1, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append(1, []byte("next"))
	require.NoError(t, err)
	require.EqualValues(t, 3, seq)
}

func TestWriterRecoversFromTornTailWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	_, err = w.Append(1, []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: patch non-zero header bytes (into the
	// seq field) of the next free slot without ever setting its
	// commit word, mirroring an interrupted two-phase commit (spec §4.2's
	// repair invariant: a record is only real once its commit word is
	// non-zero).
	path := filepath.Join(dir, segment.FileName(0))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	tornOffset := int64(segment.DataOffset + record.AlignedSize(len("ok")) + 8)
	_, err = f.WriteAt([]byte{1, 2, 3, 4}, tornOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append(1, []byte("more"))
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)
}

func TestFlushSyncsTailWithoutRolling(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	snap := w.MetricsSnapshot()
	require.EqualValues(t, 0, snap.SegmentRotations)
}

func TestRequirePreallocFailsWhenPreallocatorTooSlow(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir,
		WithSegmentSize(smallSegmentSize),
		WithRequirePrealloc(true),
		WithPreallocSpinWait(0),
	)
	require.NoError(t, err)
	defer w.Close()

	var lastErr error
	for i := 0; i < 5 && lastErr == nil; i++ {
		_, lastErr = w.Append(1, []byte{byte(i)})
	}
	if lastErr != nil {
		require.ErrorIs(t, lastErr, ErrPreallocUnavailable)
	}
}

func TestMetricsSnapshotTracksBytesAndLatency(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	payload := []byte("hello world")
	_, err = w.Append(1, payload)
	require.NoError(t, err)

	snap := w.MetricsSnapshot()
	require.EqualValues(t, len(payload), snap.BytesWritten)
	require.EqualValues(t, 1, snap.EntriesWritten)
	require.GreaterOrEqual(t, snap.AppendLatencyP50Ns, int64(0))
}

func TestListSegmentIDsIncludesTailAfterAppend(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Append(1, []byte("a"))
	require.NoError(t, err)

	ids, err := segment.ListSegmentIDs(dir)
	require.NoError(t, err)
	require.Contains(t, ids, uint32(0))
}

func TestAppendAcceptsZeroLengthPayload(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append(1, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)
}

func TestWriterGarbageDirStillOpens(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	w, err := OpenWriter(dir, WithSegmentSize(smallSegmentSize))
	require.NoError(t, err)
	defer w.Close()
	for i := 0; i < 2; i++ {
		_, err := w.Append(1, []byte(fmt.Sprintf("rec-%d", i)))
		require.NoError(t, err)
	}
}
