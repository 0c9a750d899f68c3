// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package network implements the message layer between bigshare
// hosts. Messages are one-way and carry a serialized payload to a
// landing pad: a named handler registered on every host. Delivery
// between a given pair of hosts is ordered and at most once.
//
// Two transports are provided: a Fabric, which connects endpoints
// within a single process, and a Machine, which connects bigmachine
// machines over RPC.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare/mem"
	"github.com/grailbio/bigshare/serial"
	"github.com/spaolacci/murmur3"
)

// A LandingPad identifies a message handler across hosts. Landing
// pads are derived from handler names, so that hosts running the
// same binary agree on them.
type LandingPad uint32

var (
	padsMu sync.Mutex
	pads   = make(map[LandingPad]string)
)

// Pad returns the landing pad for the handler with the provided
// name. Pad panics if two distinct names hash to the same pad.
func Pad(name string) LandingPad {
	pad := LandingPad(murmur3.Sum32([]byte(name)))
	padsMu.Lock()
	defer padsMu.Unlock()
	if other, ok := pads[pad]; ok && other != name {
		log.Panicf("network: landing pads %q and %q collide", name, other)
	}
	pads[pad] = name
	return pad
}

// String returns the name of the landing pad, if it is known.
func (p LandingPad) String() string {
	padsMu.Lock()
	name, ok := pads[p]
	padsMu.Unlock()
	if !ok {
		return fmt.Sprintf("pad%08x", uint32(p))
	}
	return name
}

// A Handler is invoked for each message received on a landing pad.
// The buffer is valid only for the duration of the call.
type Handler func(from int, b *serial.Buffer)

// Interface is the network interface used by a host.
type Interface interface {
	// ID returns the identifier of this host, in [0, Num()).
	ID() int
	// Num returns the number of hosts in the network.
	Num() int
	// Handle registers h as the handler for the landing pad.
	Handle(pad LandingPad, h Handler)
	// Send sends the contents of b to the landing pad on host dest.
	// Send consumes b: it is released whether or not the send
	// succeeds.
	Send(dest int, pad LandingPad, b *serial.Buffer) error
	// Broadcast sends the contents of b to every host, including
	// this one if self is true. Broadcast consumes b.
	Broadcast(pad LandingPad, b *serial.Buffer, self bool) error
	// Barrier returns once every host has entered the same barrier.
	Barrier(ctx context.Context) error
	// HandleReceives dispatches the messages that are queued for
	// this host and returns the number dispatched. Only one
	// goroutine dispatches at a time; concurrent calls return 0.
	HandleReceives() int
	// NeedsDedicatedThread tells whether receives must be handled
	// by a dedicated polling goroutine rather than by waiting
	// callers.
	NeedsDedicatedThread() bool
	// Close shuts down the endpoint. Subsequent sends fail.
	Close() error
}

type message struct {
	from    int
	pad     LandingPad
	payload []byte
	// pooled is true when the payload was obtained from mem.
	pooled bool
}

// Endpoint implements the transport-independent part of Interface:
// handler registration, the receive queue and its dispatch, and
// broadcasts and barriers built from point-to-point sends.
type Endpoint struct {
	id, num   int
	dedicated bool
	send      func(dest int, pad LandingPad, p []byte) error

	handlersMu sync.RWMutex
	handlers   map[LandingPad]Handler

	mu     sync.Mutex
	queue  []message
	closed bool

	dispatching sync.Mutex

	barrier barrier
}

func newEndpoint(id, num int, dedicated bool, send func(dest int, pad LandingPad, p []byte) error) *Endpoint {
	e := &Endpoint{
		id:        id,
		num:       num,
		dedicated: dedicated,
		send:      send,
		handlers:  make(map[LandingPad]Handler),
	}
	e.barrier.init(e)
	return e
}

// ID implements Interface.
func (e *Endpoint) ID() int { return e.id }

// Num implements Interface.
func (e *Endpoint) Num() int { return e.num }

// NeedsDedicatedThread implements Interface.
func (e *Endpoint) NeedsDedicatedThread() bool { return e.dedicated }

// Handle implements Interface.
func (e *Endpoint) Handle(pad LandingPad, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	if _, ok := e.handlers[pad]; ok {
		log.Panicf("network: duplicate handler for %s", pad)
	}
	e.handlers[pad] = h
}

// Send implements Interface.
func (e *Endpoint) Send(dest int, pad LandingPad, b *serial.Buffer) error {
	defer b.Release()
	return e.sendBytes(dest, pad, b.Bytes())
}

// Broadcast implements Interface.
func (e *Endpoint) Broadcast(pad LandingPad, b *serial.Buffer, self bool) error {
	defer b.Release()
	var err error
	for dest := 0; dest < e.num; dest++ {
		if dest == e.id && !self {
			continue
		}
		if serr := e.sendBytes(dest, pad, b.Bytes()); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func (e *Endpoint) sendBytes(dest int, pad LandingPad, p []byte) error {
	if dest < 0 || dest >= e.num {
		return errors.E(errors.Invalid, fmt.Sprintf("network: invalid destination %d (num %d)", dest, e.num))
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errors.E(errors.Net, fmt.Sprintf("network: send on closed endpoint %d", e.id))
	}
	return e.send(dest, pad, p)
}

// deliver enqueues a message for dispatch. Pooled payloads are
// returned to mem once dispatched, or dropped if the endpoint is
// closed.
func (e *Endpoint) deliver(m message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if m.pooled {
			mem.Free(m.payload)
		}
		return
	}
	e.queue = append(e.queue, m)
	e.mu.Unlock()
}

// HandleReceives implements Interface.
func (e *Endpoint) HandleReceives() int {
	if !e.dispatching.TryLock() {
		return 0
	}
	defer e.dispatching.Unlock()
	var n int
	for {
		e.mu.Lock()
		q := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(q) == 0 {
			return n
		}
		for i := range q {
			e.dispatch(q[i])
			q[i] = message{}
			n++
		}
	}
}

func (e *Endpoint) dispatch(m message) {
	e.handlersMu.RLock()
	h := e.handlers[m.pad]
	e.handlersMu.RUnlock()
	if h == nil {
		log.Error.Printf("network: host %d: dropping message from %d to unknown landing pad %s", e.id, m.from, m.pad)
	} else {
		h(m.from, serial.NewBuffer(m.payload))
	}
	if m.pooled {
		mem.Free(m.payload)
	}
}

// Pending returns the number of messages waiting to be dispatched.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Barrier implements Interface.
func (e *Endpoint) Barrier(ctx context.Context) error {
	return e.barrier.wait(ctx)
}

// Close implements Interface. Messages still queued are discarded.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	q := e.queue
	e.queue = nil
	e.closed = true
	e.mu.Unlock()
	for _, m := range q {
		if m.pooled {
			mem.Free(m.payload)
		}
	}
	return nil
}
