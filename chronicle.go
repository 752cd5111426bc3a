// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package chronicle implements a persisted, memory-mapped, single-writer/
// many-reader log built for low-latency intra-host IPC (spec §1 Overview).
// A Writer owns one on-disk directory exclusively; any number of Readers
// may consume it concurrently, each independently checkpointed and able to
// resume after a crash. fanin.Merger deterministically interleaves several
// logs (or Readers, via AsFanInSource) by timestamp.
package chronicle
