// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/chronicle-wal/chronicle/retention"
)

// segmentEntry is the writer's bookkeeping record for one segment, tracked
// purely in memory for retention and seek-index purposes. It is distinct
// from segment.Header: this is the writer's private view, not anything
// persisted (spec §9 "model the writer's owned state as a distinct type
// from the reader's view").
type segmentEntry struct {
	ID             uint32
	FirstSeq       uint64
	LastSeq        uint64
	Sealed         bool
	GlobalStartOff int64
	GlobalEndOff   int64
}

// catalog is the writer's lock-free snapshot of all known segments,
// generalizing the teacher's state.segments *immutable.SortedMap[uint64,
// segmentState] atomic-swap pattern (wal.go's state/mutateStateLocked) from
// an integer-indexed raft log to Chronicle's segment-id keyed catalog. The
// retention worker reads a snapshot concurrently with writer appends
// without blocking either side.
type catalog struct {
	v atomic.Value // *immutable.SortedMap[uint32, segmentEntry]
}

func newCatalog() *catalog {
	c := &catalog{}
	c.v.Store(&immutable.SortedMap[uint32, segmentEntry]{})
	return c
}

func (c *catalog) load() *immutable.SortedMap[uint32, segmentEntry] {
	return c.v.Load().(*immutable.SortedMap[uint32, segmentEntry])
}

func (c *catalog) set(e segmentEntry) {
	m := c.load()
	c.v.Store(m.Set(e.ID, e))
}

func (c *catalog) get(id uint32) (segmentEntry, bool) {
	return c.load().Get(id)
}

func (c *catalog) delete(id uint32) {
	m := c.load()
	c.v.Store(m.Delete(id))
}

// ranges returns every known segment's retention.SegmentRange, ascending by
// id, for feeding into retention.Deletable.
func (c *catalog) ranges() []retention.SegmentRange {
	m := c.load()
	out := make([]retention.SegmentRange, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		_, e, _ := it.Next()
		out = append(out, retention.SegmentRange{SegmentID: e.ID, EndGlobalOff: e.GlobalEndOff})
	}
	return out
}

// headID returns the highest (most recent) segment id in the catalog, used
// by doRetention as a last-ditch guard against ever deleting the segment
// still being appended to.
func (c *catalog) headID() (uint32, bool) {
	m := c.load()
	if m.Len() == 0 {
		return 0, false
	}
	it := m.Iterator()
	it.Last()
	id, _, _ := it.Prev()
	return id, true
}
