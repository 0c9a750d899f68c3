// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigshare/mem"
)

// An Envelope is a message in transit between bigmachine machines.
type Envelope struct {
	From    int
	Pad     LandingPad
	Payload []byte
}

// Machine is a transport between bigmachine machines. Each machine
// runs a service (named by the caller) whose Deliver method passes
// received envelopes to Machine.Deliver. Sends to a given peer are
// serialized, which preserves message order between pairs of hosts.
//
// Deliveries arrive on RPC goroutines, so a Machine needs a
// dedicated polling goroutine to dispatch them.
type Machine struct {
	*Endpoint

	ctx    context.Context
	b      *bigmachine.B
	method string
	peers  []*peer
}

type peer struct {
	mu      sync.Mutex
	addr    string
	machine *bigmachine.Machine
}

// NewMachine returns a transport for host id among the machines at
// addrs, which must be listed in host order by every machine. Sends
// invoke service.Deliver on the destination machine. The context
// bounds the lifetime of the transport's calls.
func NewMachine(ctx context.Context, b *bigmachine.B, service string, id int, addrs []string) *Machine {
	m := &Machine{
		ctx:    ctx,
		b:      b,
		method: service + ".Deliver",
		peers:  make([]*peer, len(addrs)),
	}
	for i, addr := range addrs {
		m.peers[i] = &peer{addr: addr}
	}
	m.Endpoint = newEndpoint(id, len(addrs), true, m.send)
	return m
}

// Deliver enqueues a received envelope for dispatch.
func (m *Machine) Deliver(env Envelope) {
	m.deliver(message{from: env.From, pad: env.Pad, payload: env.Payload})
}

func (m *Machine) send(dest int, pad LandingPad, p []byte) error {
	if dest == m.id {
		msg := message{from: m.id, pad: pad}
		if len(p) > 0 {
			msg.payload = mem.Alloc(len(p))
			copy(msg.payload, p)
			msg.pooled = true
		}
		m.deliver(msg)
		return nil
	}
	peer := m.peers[dest]
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.machine == nil {
		machine, err := m.b.Dial(m.ctx, peer.addr)
		if err != nil {
			return errors.E(errors.Net, fmt.Sprintf("network: dial host %d at %s", dest, peer.addr), err)
		}
		peer.machine = machine
	}
	env := Envelope{From: m.id, Pad: pad, Payload: p}
	if err := peer.machine.Call(m.ctx, m.method, env, nil); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("network: send %s to host %d", pad, dest), err)
	}
	return nil
}
