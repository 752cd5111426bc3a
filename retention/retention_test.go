package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsLiveWithinTTLAndLag(t *testing.T) {
	p := Policy{ReaderTTL: time.Minute, MaxReaderLagBytes: 1 << 20}
	now := time.Now()
	r := ReaderState{HeartbeatNs: now.Add(-5 * time.Second).UnixNano(), GlobalByteLag: 1024}
	require.True(t, p.IsLive(r, now))
}

func TestIsLiveFailsOnStaleHeartbeat(t *testing.T) {
	p := Policy{ReaderTTL: time.Minute, MaxReaderLagBytes: 1 << 20}
	now := time.Now()
	r := ReaderState{HeartbeatNs: now.Add(-5 * time.Minute).UnixNano()}
	require.False(t, p.IsLive(r, now))
}

func TestIsLiveFailsOnExcessiveLag(t *testing.T) {
	p := Policy{ReaderTTL: time.Minute, MaxReaderLagBytes: 1024}
	now := time.Now()
	r := ReaderState{HeartbeatNs: now.UnixNano(), GlobalByteLag: 2048}
	require.False(t, p.IsLive(r, now))
}

func TestDeletableNeverIncludesHead(t *testing.T) {
	ranges := []SegmentRange{
		{SegmentID: 0, EndGlobalOff: 100},
		{SegmentID: 1, EndGlobalOff: 200},
	}
	ids := Deletable(ranges, 1000)
	require.Equal(t, []uint32{0}, ids)
}

func TestDeletableNothingWithSingleSegment(t *testing.T) {
	ranges := []SegmentRange{{SegmentID: 0, EndGlobalOff: 100}}
	require.Nil(t, Deletable(ranges, 1000))
}

func TestMinLivePositionNoReadersRegisteredAtAll(t *testing.T) {
	p := Policy{ReaderTTL: time.Minute}
	now := time.Now()
	_, ok := MinLivePosition(10000, nil, p, now)
	require.False(t, ok)
}

func TestMinLivePositionAllRegisteredReadersDeadCutsOffAtHead(t *testing.T) {
	// A reader is registered (a checkpoint file exists) but has been dead
	// long enough to fall outside ReaderTTL: spec §8 requires deletion to
	// proceed anyway, with the cutoff collapsing to the head so every
	// non-head segment becomes deletable; the dead reader fails with
	// ErrCorrupt the next time it tries to open.
	p := Policy{ReaderTTL: time.Minute}
	now := time.Now()
	readers := []ReaderState{{HeartbeatNs: now.Add(-time.Hour).UnixNano()}}
	pos, ok := MinLivePosition(10000, readers, p, now)
	require.True(t, ok)
	require.EqualValues(t, 10000, pos)
}

func TestMinLivePositionPicksSlowestLiveReader(t *testing.T) {
	p := Policy{ReaderTTL: time.Minute, MaxReaderLagBytes: 1 << 30}
	now := time.Now()
	readers := []ReaderState{
		{Name: "fast", HeartbeatNs: now.UnixNano(), GlobalByteLag: 10},
		{Name: "slow", HeartbeatNs: now.UnixNano(), GlobalByteLag: 5000},
	}
	pos, ok := MinLivePosition(10000, readers, p, now)
	require.True(t, ok)
	require.EqualValues(t, 5000, pos)
}

func TestScenario3FastAndSlowReaders(t *testing.T) {
	// Seed scenario 3: "slow" has a fresh heartbeat but a lag greater than
	// max_reader_lag, so it is reclassified dead and excluded; retention
	// then proceeds using only "fast".
	p := Policy{ReaderTTL: time.Minute, MaxReaderLagBytes: 1 << 20} // 1 MiB
	now := time.Now()
	readers := []ReaderState{
		{Name: "fast", HeartbeatNs: now.UnixNano(), GlobalByteLag: 0},
		{Name: "slow", HeartbeatNs: now.UnixNano(), GlobalByteLag: 2 << 20},
	}
	pos, ok := MinLivePosition(8<<20, readers, p, now)
	require.True(t, ok)
	require.EqualValues(t, 8<<20, pos) // only "fast" counted, at the head
}
