// Package fanin implements the deterministic merge over N reader-like
// sources described in spec §4.7: a min-heap keyed by
// (timestamp_ns, source_index) ensures a stable total order, with dynamic
// add/remove of sources by stable id.
package fanin

import (
	"container/heap"
	"fmt"
)

// Record is one message as seen by the merger: a payload view plus the
// metadata the heap orders by.
type Record struct {
	TimestampNs int64
	SourceID    int
	Payload     []byte
}

// Source is the minimal reader surface fan-in needs. A chronicle Reader
// satisfies this shape via a small adapter in the root package
// (Reader.AsFanInSource); fanin itself has no
// dependency on record or segment, so it can merge live logs, archived
// readers, or test fakes interchangeably (spec: "zero-copy variant ... an
// owned-payload variant").
type Source interface {
	// Next returns the next available record's timestamp and payload. ok is
	// false if no message is currently available (not exhausted, just
	// empty right now — spec's "no message available").
	Next() (timestampNs int64, payload []byte, ok bool, err error)
}

type pending struct {
	sourceID int
	src      Source
	rec      Record
	have     bool
}

// itemHeap is a min-heap of pending slots ordered by timestamp, with ties
// broken by source id.
type itemHeap []*pending

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].rec.TimestampNs != h[j].rec.TimestampNs {
		return h[i].rec.TimestampNs < h[j].rec.TimestampNs
	}
	return h[i].sourceID < h[j].sourceID
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*pending)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merger merges N sources into one (timestamp_ns, source_id)-ordered
// stream (spec P8).
type Merger struct {
	bySource map[int]*pending
	h        itemHeap
}

// New creates a merger with no sources; add them with AddSource.
func New() *Merger {
	return &Merger{bySource: make(map[int]*pending)}
}

// AddSource registers src under sourceID. IDs must be stable and unique;
// holes (from prior RemoveSource calls) are tolerated (spec: "dynamic
// add/remove of sources by stable source id (holes tolerated)").
func (m *Merger) AddSource(sourceID int, src Source) error {
	if _, exists := m.bySource[sourceID]; exists {
		return fmt.Errorf("fanin: source id %d already registered", sourceID)
	}
	m.bySource[sourceID] = &pending{sourceID: sourceID, src: src}
	return nil
}

// RemoveSource unregisters a source; any of its pending (already-prefetched)
// record is dropped.
func (m *Merger) RemoveSource(sourceID int) {
	p, ok := m.bySource[sourceID]
	if !ok {
		return
	}
	delete(m.bySource, sourceID)
	for i, item := range m.h {
		if item == p {
			heap.Remove(&m.h, i)
			break
		}
	}
}

// fillPending ensures every registered source without a pending record
// attempts one prefetch, pushing newly-filled slots onto the heap.
func (m *Merger) fillPending() error {
	for _, p := range m.bySource {
		if p.have {
			continue
		}
		ts, payload, ok, err := p.src.Next()
		if err != nil {
			return fmt.Errorf("fanin: source %d: %w", p.sourceID, err)
		}
		if !ok {
			continue
		}
		p.rec = Record{TimestampNs: ts, SourceID: p.sourceID, Payload: payload}
		p.have = true
		heap.Push(&m.h, p)
	}
	return nil
}

// Next returns the next record in the merged total order. ok is false if
// every source currently has nothing available (spec: "On empty sources,
// return 'no message available'").
func (m *Merger) Next() (Record, bool, error) {
	if err := m.fillPending(); err != nil {
		return Record{}, false, err
	}
	if len(m.h) == 0 {
		return Record{}, false, nil
	}
	top := heap.Pop(&m.h).(*pending)
	rec := top.rec
	top.have = false
	top.rec = Record{}
	return rec, true, nil
}
