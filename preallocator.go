// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/chronicle-wal/chronicle/segment"
)

// prepareRetryLimit paces the preallocator after a failed prepare or
// publish: it waits on this limiter before taking the next request, so a
// persistent failure (e.g. disk full) turns into a steady trickle of log
// lines and metric increments instead of a hot error loop.
var prepareRetryLimit = rate.Every(50 * time.Millisecond)

// preallocator is the single background thread of spec §4.5 "Preallocator":
// it prepares <id>.q.tmp ahead of the writer needing it, prefaults and
// optionally mlocks it, and publishes it via no-replace rename. Grounded on
// the teacher's single-purpose rotation goroutine (wal.go's runRotate),
// generalized from "rotate now" to "prepare segment N in the background".
type preallocator struct {
	dir         string
	segmentSize int
	memlock     bool
	epoch       uint64
	logger      log.Logger
	metrics     *writerMetrics

	mu    sync.Mutex
	ready map[uint32]*segment.Segment

	requests chan uint32
	stop     chan struct{}
	wg       sync.WaitGroup

	limiter *rate.Limiter
}

func newPreallocator(dir string, segmentSize int, memlock bool, epoch uint64, logger log.Logger, metrics *writerMetrics) *preallocator {
	p := &preallocator{
		dir:         dir,
		segmentSize: segmentSize,
		memlock:     memlock,
		epoch:       epoch,
		logger:      logger,
		metrics:     metrics,
		ready:       make(map[uint32]*segment.Segment),
		requests:    make(chan uint32, 1),
		stop:        make(chan struct{}),
		limiter:     rate.NewLimiter(prepareRetryLimit, 1),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// request asks the background thread to prepare segment id. At most one
// request is kept pending: while one is already queued, a new request is
// silently dropped and the queued one stands.
func (p *preallocator) request(id uint32) {
	select {
	case p.requests <- id:
	default:
	}
}

func (p *preallocator) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case id := <-p.requests:
			seg, err := segment.Prepare(p.dir, id, p.segmentSize, time.Now().UnixNano(), p.memlock, p.epoch)
			if err != nil {
				p.metrics.observePreallocError()
				level.Error(p.logger).Log("msg", "prealloc failed", "segment", id, "err", err)
				p.limiter.Wait(context.Background())
				continue
			}
			if err := seg.Publish(p.dir); err != nil {
				p.metrics.observePreallocError()
				level.Error(p.logger).Log("msg", "prealloc publish failed", "segment", id, "err", err)
				seg.Close()
				p.limiter.Wait(context.Background())
				continue
			}
			p.mu.Lock()
			p.ready[id] = seg
			p.mu.Unlock()
		}
	}
}

// consume returns the prepared segment for id if one is ready, verifying
// the id as spec §4.5 roll step (a) requires ("verify its segment id
// matches the expected next id, otherwise discard"). Any stale entry under
// a different id is closed and dropped; this can only happen if a roll was
// skipped or raced, which should not occur under the single-writer
// invariant, but the defensive cleanup costs nothing.
func (p *preallocator) consume(id uint32) (*segment.Segment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seg, ok := p.ready[id]
	if ok {
		delete(p.ready, id)
	}
	for otherID, s := range p.ready {
		if otherID != id {
			s.Close()
			delete(p.ready, otherID)
		}
	}
	return seg, ok
}

func (p *preallocator) close() {
	close(p.stop)
	p.wg.Wait()
	p.mu.Lock()
	for _, s := range p.ready {
		s.Close()
	}
	p.ready = nil
	p.mu.Unlock()
}
