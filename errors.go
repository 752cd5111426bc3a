// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chronicle

import "github.com/chronicle-wal/chronicle/errs"

// Re-exported so callers of this package never need to import errs
// directly, mirroring the teacher's wal.go aliasing its types package's
// sentinels (spec §7's error taxonomy).
var (
	ErrCorrupt             = errs.ErrCorrupt
	ErrUnsupported         = errs.ErrUnsupported
	ErrQueueFull           = errs.ErrQueueFull
	ErrWriterAlreadyActive = errs.ErrWriterAlreadyActive
	ErrTimeout             = errs.ErrTimeout
	ErrPreallocUnavailable = errs.ErrPreallocUnavailable
	ErrClosed              = errs.ErrClosed
	ErrNotFound            = errs.ErrNotFound
	ErrSealed              = errs.ErrSealed
)
