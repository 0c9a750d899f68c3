// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package network

import "github.com/grailbio/bigshare/mem"

// A Fabric connects a fixed number of endpoints within a single
// process. Each endpoint has a FIFO receive queue; payloads are
// copied into blocks from package mem on send. Fabric endpoints do
// not need a dedicated polling goroutine: waiting callers may
// dispatch receives themselves.
type Fabric struct {
	endpoints []*Endpoint
}

// NewFabric returns a fabric of n connected endpoints.
func NewFabric(n int) *Fabric {
	f := &Fabric{endpoints: make([]*Endpoint, n)}
	for i := range f.endpoints {
		id := i
		f.endpoints[i] = newEndpoint(i, n, false, func(dest int, pad LandingPad, p []byte) error {
			m := message{from: id, pad: pad}
			if len(p) > 0 {
				m.payload = mem.Alloc(len(p))
				copy(m.payload, p)
				m.pooled = true
			}
			f.endpoints[dest].deliver(m)
			return nil
		})
	}
	return f
}

// Num returns the number of endpoints in the fabric.
func (f *Fabric) Num() int { return len(f.endpoints) }

// Endpoint returns the i'th endpoint of the fabric.
func (f *Fabric) Endpoint(i int) *Endpoint { return f.endpoints[i] }

// Close closes every endpoint in the fabric.
func (f *Fabric) Close() error {
	for _, e := range f.endpoints {
		e.Close()
	}
	return nil
}
