// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriterOptionsDefaults(t *testing.T) {
	o := defaultWriterOptions()
	require.NoError(t, o.applyDefaultsAndValidate())
	require.Equal(t, DefaultSegmentSize, o.SegmentSize)
	require.Equal(t, DefaultSeekIndexStride, o.SeekIndexStride)
	require.NotNil(t, o.Logger)
	require.NotNil(t, o.Registerer)
}

func TestWriterOptionsRejectsPeriodicSleepWithoutInterval(t *testing.T) {
	o := defaultWriterOptions()
	WithWriterWaitStrategy(WaitPeriodicSleep, 0)(&o)
	require.Error(t, o.applyDefaultsAndValidate())
}

func TestWriterOptionsZeroSegmentSizeFallsBackToDefault(t *testing.T) {
	o := defaultWriterOptions()
	o.SegmentSize = 0
	require.NoError(t, o.applyDefaultsAndValidate())
	require.Equal(t, DefaultSegmentSize, o.SegmentSize)
}

func TestReaderOptionsRejectsPeriodicSleepWithoutInterval(t *testing.T) {
	o := defaultReaderOptions()
	WithReaderWaitStrategy(WaitPeriodicSleep, 0)(&o)
	require.Error(t, o.applyDefaultsAndValidate())
}

func TestReaderOptionsAcceptsPeriodicSleepWithInterval(t *testing.T) {
	o := defaultReaderOptions()
	WithReaderWaitStrategy(WaitPeriodicSleep, 5*time.Millisecond)(&o)
	require.NoError(t, o.applyDefaultsAndValidate())
}
