package fanin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// sliceSource replays a fixed sequence of timestamps as a Source, one per
// Next call, then reports not-ok forever.
type sliceSource struct {
	timestamps []int64
	i          int
}

func (s *sliceSource) Next() (int64, []byte, bool, error) {
	if s.i >= len(s.timestamps) {
		return 0, nil, false, nil
	}
	ts := s.timestamps[s.i]
	s.i++
	return ts, []byte{byte(ts)}, true, nil
}

func TestFanInOrdersByTimestampThenSourceID(t *testing.T) {
	// Seed scenario 6.
	m := New()
	require.NoError(t, m.AddSource(0, &sliceSource{timestamps: []int64{100, 300}}))
	require.NoError(t, m.AddSource(1, &sliceSource{timestamps: []int64{200, 400}}))

	var got []struct {
		ts  int64
		src int
	}
	for {
		rec, ok, err := m.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, struct {
			ts  int64
			src int
		}{rec.TimestampNs, rec.SourceID})
	}
	require.Equal(t, []struct {
		ts  int64
		src int
	}{
		{100, 0}, {200, 1}, {300, 0}, {400, 1},
	}, got)
}

func TestFanInTieBreaksOnSourceIndex(t *testing.T) {
	m := New()
	require.NoError(t, m.AddSource(0, &sliceSource{timestamps: []int64{150}}))
	require.NoError(t, m.AddSource(1, &sliceSource{timestamps: []int64{150}}))

	rec, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, rec.SourceID)

	rec, ok, err = m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, rec.SourceID)
}

func TestFanInEmptySourcesReturnsNotOK(t *testing.T) {
	m := New()
	require.NoError(t, m.AddSource(0, &sliceSource{}))
	_, ok, err := m.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveSourceDropsItsPending(t *testing.T) {
	m := New()
	require.NoError(t, m.AddSource(0, &sliceSource{timestamps: []int64{100}}))
	require.NoError(t, m.AddSource(1, &sliceSource{timestamps: []int64{200}}))
	m.RemoveSource(0)

	rec, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, rec.SourceID)

	_, ok, err = m.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDuplicateSourceIDRejected(t *testing.T) {
	m := New()
	require.NoError(t, m.AddSource(0, &sliceSource{}))
	require.Error(t, m.AddSource(0, &sliceSource{}))
}
