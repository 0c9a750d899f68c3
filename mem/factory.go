// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mem

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/data"
)

// A Factory lazily creates one SizedAlloc per distinct block size.
// Creating a size class takes the factory's lock; looking up an
// existing class reads an atomically published map and does not
// lock. Size classes live as long as the factory.
type Factory struct {
	mu     sync.Mutex
	allocs atomic.Value // map[int]*SizedAlloc
}

// NewFactory returns a new, empty factory.
func NewFactory() *Factory {
	f := new(Factory)
	f.allocs.Store(map[int]*SizedAlloc{})
	return f
}

// ForSize returns the allocator for blocks of the given size,
// creating it if necessary.
func (f *Factory) ForSize(size int) *SizedAlloc {
	if a := f.load()[size]; a != nil {
		return a
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.load()
	if a := old[size]; a != nil {
		return a
	}
	a := newSizedAlloc(size)
	allocs := make(map[int]*SizedAlloc, len(old)+1)
	for k, v := range old {
		allocs[k] = v
	}
	allocs[size] = a
	f.allocs.Store(allocs)
	return a
}

func (f *Factory) load() map[int]*SizedAlloc {
	m, _ := f.allocs.Load().(map[int]*SizedAlloc)
	return m
}

// Stats returns the statistics of every size class, ordered by size.
func (f *Factory) Stats() []ClassStats {
	allocs := f.load()
	stats := make([]ClassStats, 0, len(allocs))
	for _, a := range allocs {
		stats = append(stats, a.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Size < stats[j].Size })
	return stats
}

// String returns a summary of the factory's size classes.
func (f *Factory) String() string {
	var b bytes.Buffer
	for i, s := range f.Stats() {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s:%d/%d", data.Size(s.Size), s.Live(), s.Allocs)
	}
	return b.String()
}
