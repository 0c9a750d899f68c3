// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mem implements the runtime's memory allocator. Small
// requests are served by per-size free-list allocators created on
// demand by a Factory; large requests bypass the size classes and
// are mapped directly, interleaved across NUMA nodes when the
// machine has more than one.
//
// Running out of memory is not a recoverable condition: allocation
// failures terminate the process.
package mem

import "math/bits"

const (
	// MinSmall is the smallest size class served by Alloc.
	MinSmall = 16
	// MaxSmall is the largest size class served by Alloc. Larger
	// requests go to LargeAlloc.
	MaxSmall = 64 << 10
)

var defaultFactory = NewFactory()

// Default returns the process-wide factory used by Alloc and Free.
func Default() *Factory { return defaultFactory }

// SizeClass returns the block size used to serve a request of n
// bytes, or 0 if the request is served by LargeAlloc.
func SizeClass(n int) int {
	if n > MaxSmall {
		return 0
	}
	if n <= MinSmall {
		return MinSmall
	}
	return 1 << uint(bits.Len(uint(n-1)))
}

// Alloc returns a slice of length n. Its capacity is the size class
// serving the request; the slice must be returned with Free.
func Alloc(n int) []byte {
	class := SizeClass(n)
	if class == 0 {
		return LargeAlloc(n)
	}
	return defaultFactory.ForSize(class).Alloc()[:n]
}

// Free returns a slice obtained from Alloc.
func Free(b []byte) {
	if b == nil {
		return
	}
	c := cap(b)
	if c > MaxSmall {
		LargeFree(b)
		return
	}
	defaultFactory.ForSize(c).Free(b[:c])
}
