// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle-wal/chronicle/segment"
)

// sealer is the single background thread of spec §4.5 "Async sealer": it
// takes a just-sealed segment off the writer's hot path and fsyncs it,
// recording failures into metrics rather than blocking the next roll.
// Grounded on the teacher's pattern of doing fsync off the critical section
// under WithDeferSealSync (wal.go's deferred-fsync durability mode).
type sealer struct {
	logger  log.Logger
	metrics *writerMetrics

	queue chan *segment.Segment
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newSealer(logger log.Logger, metrics *writerMetrics) *sealer {
	s := &sealer{
		logger:  logger,
		metrics: metrics,
		queue:   make(chan *segment.Segment, 8),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *sealer) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case seg := <-s.queue:
			if err := seg.Sync(); err != nil {
				s.metrics.observeSealError()
				level.Error(s.logger).Log("msg", "seal sync failed", "segment", seg.ID(), "err", err)
			}
		}
	}
}

// enqueue hands a sealed segment off for background fsync. If the queue is
// full (a pathological backlog of rolls), it falls back to an inline sync
// rather than letting the backlog grow unbounded.
func (s *sealer) enqueue(seg *segment.Segment) {
	select {
	case s.queue <- seg:
	default:
		if err := seg.Sync(); err != nil {
			s.metrics.observeSealError()
			level.Error(s.logger).Log("msg", "seal sync failed (queue full, inline)", "segment", seg.ID(), "err", err)
		}
	}
}

func (s *sealer) close() {
	close(s.stop)
	s.wg.Wait()
}
