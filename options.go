// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chronicle-wal/chronicle/retention"
)

// DefaultSegmentSize is used when opening a brand-new log; opening an
// existing log always defers to the Control Block's stored value instead
// (spec §6 "ignored when opening an existing log — Control Block wins").
const DefaultSegmentSize = 128 * 1024 * 1024

// DefaultSeekIndexStride is the default records-per-index-entry spacing.
const DefaultSeekIndexStride = 100

// WaitStrategy selects how Reader.Wait parks when no record is available
// (spec §6, §9 "Polymorphism": a small closed variant set, not open virtual
// dispatch on the hot path).
type WaitStrategy int

const (
	// WaitBusySpin never yields; lowest latency, highest CPU cost.
	WaitBusySpin WaitStrategy = iota
	// WaitSpinThenPark busy-spins briefly then parks on the Control Block's
	// futex-like wake word.
	WaitSpinThenPark
	// WaitPeriodicSleep sleeps a fixed interval between checks; highest
	// latency, lowest CPU cost, no futex dependency.
	WaitPeriodicSleep
)

// WriterOptions configures OpenWriter (spec §6 "Writer configuration").
type WriterOptions struct {
	SegmentSize      int
	RequirePrealloc  bool
	PreallocSpinWait time.Duration
	DeferSealSync    bool
	Memlock          bool
	WaitStrategy     WaitStrategy
	SleepInterval    time.Duration
	Retention        retention.Policy
	SeekIndexStride  int
	Logger           log.Logger
	Registerer       prometheus.Registerer
}

// WriterOption mutates a WriterOptions during OpenWriter.
type WriterOption func(*WriterOptions)

func WithSegmentSize(n int) WriterOption { return func(o *WriterOptions) { o.SegmentSize = n } }

func WithRequirePrealloc(require bool) WriterOption {
	return func(o *WriterOptions) { o.RequirePrealloc = require }
}

func WithPreallocSpinWait(d time.Duration) WriterOption {
	return func(o *WriterOptions) { o.PreallocSpinWait = d }
}

func WithDeferSealSync(on bool) WriterOption {
	return func(o *WriterOptions) { o.DeferSealSync = on }
}

func WithMemlock(on bool) WriterOption { return func(o *WriterOptions) { o.Memlock = on } }

func WithWriterWaitStrategy(s WaitStrategy, sleepInterval time.Duration) WriterOption {
	return func(o *WriterOptions) { o.WaitStrategy = s; o.SleepInterval = sleepInterval }
}

func WithRetentionPolicy(p retention.Policy) WriterOption {
	return func(o *WriterOptions) { o.Retention = p }
}

func WithSeekIndexStride(n int) WriterOption { return func(o *WriterOptions) { o.SeekIndexStride = n } }

func WithLogger(l log.Logger) WriterOption { return func(o *WriterOptions) { o.Logger = l } }

func WithRegisterer(r prometheus.Registerer) WriterOption {
	return func(o *WriterOptions) { o.Registerer = r }
}

func defaultWriterOptions() WriterOptions {
	return WriterOptions{
		SegmentSize:      DefaultSegmentSize,
		PreallocSpinWait: 10 * time.Millisecond,
		SeekIndexStride:  DefaultSeekIndexStride,
		Logger:           log.NewNopLogger(),
		Registerer:       prometheus.NewRegistry(),
	}
}

func (o *WriterOptions) applyDefaultsAndValidate() error {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.SeekIndexStride <= 0 {
		o.SeekIndexStride = DefaultSeekIndexStride
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	if o.WaitStrategy == WaitPeriodicSleep && o.SleepInterval <= 0 {
		return fmt.Errorf("chronicle: periodic-sleep wait strategy requires a positive sleep interval")
	}
	return nil
}

// ReaderOptions configures OpenReader.
type ReaderOptions struct {
	WaitStrategy  WaitStrategy
	SleepInterval time.Duration
	Logger        log.Logger
	Registerer    prometheus.Registerer
}

// ReaderOption mutates a ReaderOptions during OpenReader.
type ReaderOption func(*ReaderOptions)

func WithReaderWaitStrategy(s WaitStrategy, sleepInterval time.Duration) ReaderOption {
	return func(o *ReaderOptions) { o.WaitStrategy = s; o.SleepInterval = sleepInterval }
}

func WithReaderLogger(l log.Logger) ReaderOption { return func(o *ReaderOptions) { o.Logger = l } }

func WithReaderRegisterer(r prometheus.Registerer) ReaderOption {
	return func(o *ReaderOptions) { o.Registerer = r }
}

func defaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		Logger:     log.NewNopLogger(),
		Registerer: prometheus.NewRegistry(),
	}
}

func (o *ReaderOptions) applyDefaultsAndValidate() error {
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	if o.WaitStrategy == WaitPeriodicSleep && o.SleepInterval <= 0 {
		return fmt.Errorf("chronicle: periodic-sleep wait strategy requires a positive sleep interval")
	}
	return nil
}
