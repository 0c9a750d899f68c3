// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mem

import (
	"sync"
	"unsafe"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
)

var (
	numaOnce  sync.Once
	numaNodes []int

	mappedMu sync.Mutex
	// mapped holds the regions obtained from mmap, keyed by their
	// base address, so that LargeFree knows how to return them.
	mapped = make(map[uintptr]int)
)

// fatalf is called when memory cannot be obtained.
var fatalf = log.Fatalf

// Nodes returns the number of online NUMA nodes, or 1 if NUMA is not
// supported on this machine.
func Nodes() int {
	numaOnce.Do(func() {
		numaNodes = onlineNodes()
		if len(numaNodes) > 1 {
			log.Debug.Printf("mem: interleaving large allocations over NUMA nodes %v", numaNodes)
		}
	})
	if len(numaNodes) < 1 {
		return 1
	}
	return len(numaNodes)
}

// LargeAlloc returns a slice of n bytes that does not belong to any
// size class. When the machine has multiple NUMA nodes, the memory
// is mapped directly and its pages interleaved over the nodes;
// otherwise it is taken from the Go heap. LargeAlloc terminates the
// process if the memory cannot be obtained.
func LargeAlloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	if Nodes() < 2 {
		return make([]byte, n)
	}
	b, err := mapInterleaved(n, numaNodes)
	if err != nil {
		fatalf("mem: failed to map %s: %v", data.Size(n), err)
		return nil
	}
	mappedMu.Lock()
	mapped[uintptr(unsafe.Pointer(&b[0]))] = cap(b)
	mappedMu.Unlock()
	return b
}

// LargeFree releases a slice obtained from LargeAlloc.
func LargeFree(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	addr := uintptr(unsafe.Pointer(&b[0]))
	mappedMu.Lock()
	_, ok := mapped[addr]
	delete(mapped, addr)
	mappedMu.Unlock()
	if !ok {
		// Heap memory is reclaimed by the garbage collector.
		return
	}
	if err := unmap(b); err != nil {
		log.Error.Printf("mem: unmap %s: %v", data.Size(len(b)), err)
	}
}
