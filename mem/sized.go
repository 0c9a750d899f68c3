// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mem

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/must"
)

// numShards is the number of free lists kept by each SizedAlloc.
// Goroutines have no stable thread identity, so instead of per-thread
// free lists we keep a fixed set of shards and spread callers over
// them.
const numShards = 16

// minSlab is the minimum number of bytes obtained from the large
// allocator whenever a shard runs out of blocks.
const minSlab = 64 << 10

type shard struct {
	mu   sync.Mutex
	free [][]byte
	slab []byte
	// Pad shards to separate cache lines.
	_ [64]byte
}

// pop removes and returns a block from the shard's free list, or
// returns nil if the list is empty. The shard must be locked.
func (s *shard) pop() []byte {
	n := len(s.free)
	if n == 0 {
		return nil
	}
	b := s.free[n-1]
	s.free[n-1] = nil
	s.free = s.free[:n-1]
	return b
}

// A SizedAlloc hands out fixed-size blocks of memory. Blocks are
// carved from slabs obtained from LargeAlloc and are recycled
// through sharded free lists. A SizedAlloc is safe for concurrent
// use; callers contend only on the shard they land on.
type SizedAlloc struct {
	size   int
	shards [numShards]shard
	next   uint32

	allocs, frees, slabs int64
}

func newSizedAlloc(size int) *SizedAlloc {
	must.True(size > 0, "mem: invalid block size ", size)
	return &SizedAlloc{size: size}
}

// Size returns the block size served by this allocator.
func (a *SizedAlloc) Size() int { return a.size }

// lock locks and returns a shard, preferring one that is free.
func (a *SizedAlloc) lock() *shard {
	start := atomic.AddUint32(&a.next, 1)
	for i := uint32(0); i < numShards; i++ {
		s := &a.shards[(start+i)%numShards]
		if s.mu.TryLock() {
			return s
		}
	}
	s := &a.shards[start%numShards]
	s.mu.Lock()
	return s
}

// Alloc returns a block of a.Size() bytes. The returned slice has
// length and capacity equal to the block size; its contents are
// unspecified.
func (a *SizedAlloc) Alloc() []byte {
	atomic.AddInt64(&a.allocs, 1)
	s := a.lock()
	if b := s.pop(); b != nil {
		s.mu.Unlock()
		return b
	}
	// Blocks freed into other shards are preferred over new memory.
	for i := range a.shards {
		o := &a.shards[i]
		if o == s || !o.mu.TryLock() {
			continue
		}
		b := o.pop()
		o.mu.Unlock()
		if b != nil {
			s.mu.Unlock()
			return b
		}
	}
	if len(s.slab) < a.size {
		n := minSlab
		if n < 16*a.size {
			n = 16 * a.size
		}
		n -= n % a.size
		s.slab = LargeAlloc(n)
		atomic.AddInt64(&a.slabs, 1)
	}
	b := s.slab[:a.size:a.size]
	s.slab = s.slab[a.size:]
	s.mu.Unlock()
	return b
}

// Free returns block b, previously allocated by a, to the
// allocator. The caller must not use b afterwards.
func (a *SizedAlloc) Free(b []byte) {
	must.True(cap(b) == a.size, "mem: freeing block of size ", cap(b), " into class ", a.size)
	atomic.AddInt64(&a.frees, 1)
	b = b[:a.size]
	s := a.lock()
	s.free = append(s.free, b)
	s.mu.Unlock()
}

// Stats returns a snapshot of the allocator's counters.
func (a *SizedAlloc) Stats() ClassStats {
	return ClassStats{
		Size:   a.size,
		Allocs: atomic.LoadInt64(&a.allocs),
		Frees:  atomic.LoadInt64(&a.frees),
		Slabs:  atomic.LoadInt64(&a.slabs),
	}
}

// ClassStats describes the activity of one size class.
type ClassStats struct {
	// Size is the block size of the class.
	Size int
	// Allocs and Frees count calls to Alloc and Free.
	Allocs, Frees int64
	// Slabs is the number of slabs obtained from LargeAlloc.
	Slabs int64
}

// Live returns the number of blocks currently handed out.
func (s ClassStats) Live() int64 { return s.Allocs - s.Frees }
