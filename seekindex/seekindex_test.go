package seekindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderObservesEveryStride(t *testing.T) {
	b := NewBuilder(3, 4096, 64)
	for i := uint64(0); i < 10; i++ {
		b.Observe(i, int64(i)*100, int(i)*64)
	}
	entries := b.Entries()
	require.Len(t, entries, 4) // records 0,3,6,9
	require.EqualValues(t, 0, entries[0].Seq)
	require.EqualValues(t, 9, entries[3].Seq)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000.q.idx")
	entries := []Entry{
		{Seq: 0, TimestampNs: 100, ByteOffset: 0},
		{Seq: 100, TimestampNs: 10100, ByteOffset: 6400},
		{Seq: 200, TimestampNs: 20100, ByteOffset: 12800},
	}
	require.NoError(t, Write(path, 100, entries))

	idx, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 0, idx.Header.MinSeq)
	require.EqualValues(t, 200, idx.Header.MaxSeq)

	e, ok := idx.FloorBySeq(150)
	require.True(t, ok)
	require.EqualValues(t, 100, e.Seq)

	e, ok = idx.FloorByTimestamp(15000)
	require.True(t, ok)
	require.EqualValues(t, 100, e.Seq)

	_, ok = (&Index{Header: idx.Header}).FloorBySeq(5) // empty entries slice
	require.False(t, ok)
}

func TestFindSegmentBySeq(t *testing.T) {
	ranges := []SegmentRange{
		{SegmentID: 0, First: 0, Last: 99},
		{SegmentID: 1, First: 100, Last: 199},
		{SegmentID: 2, First: 200, Last: 299},
	}
	r, ok := FindSegmentBySeq(ranges, 150)
	require.True(t, ok)
	require.EqualValues(t, 1, r.SegmentID)

	_, ok = FindSegmentBySeq(ranges, 1000)
	require.False(t, ok)
}

func TestEmptyIndexFloorReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.idx")
	require.NoError(t, Write(path, 100, nil))
	idx, err := Load(path)
	require.NoError(t, err)
	_, ok := idx.FloorBySeq(5)
	require.False(t, ok)
}
