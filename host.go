// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigshare

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigshare/ctxsync"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/serial"
	"github.com/grailbio/bigshare/stats"
)

const (
	// waitPoll bounds the time a waiter sleeps between checks of
	// its condition. Some state changes (such as a unit of work
	// committing) happen without notifying the host.
	waitPoll = time.Millisecond

	minPollBackoff = 10 * time.Microsecond
	maxPollBackoff = time.Millisecond
)

// pollPolicy is the backoff applied by an idle polling goroutine.
var pollPolicy = retry.Backoff(minPollBackoff, maxPollBackoff, 2)

// A Host is one participant in the runtime. It owns the Local and
// Remote Directories for its network endpoint. Hosts are explicitly
// constructed and torn down; any number may exist in a process.
type Host struct {
	net    network.Interface
	id     uint32
	stats  *stats.Map
	events eventlog.Eventer

	// mu protects the state of both directories and the outbox.
	mu   sync.Mutex
	cond *ctxsync.Cond
	ld   *localDirectory
	rd   *remoteDirectory

	outbox []outgoing
	sendMu sync.Mutex

	pollMu   sync.Mutex
	polling  bool
	cancel   func()
	pollDone chan struct{}
}

type outgoing struct {
	dest int
	pad  network.LandingPad
	buf  *serial.Buffer
}

// An Option configures a Host.
type Option func(h *Host)

// WithEventer configures the host to log directory events, such as
// recalls and conflicts, to the provided eventer.
func WithEventer(e eventlog.Eventer) Option {
	return func(h *Host) {
		h.events = e
	}
}

// WithStats configures the host to record its counters in m.
func WithStats(m *stats.Map) Option {
	return func(h *Host) {
		h.stats = m
	}
}

// NewHost returns a host communicating over the provided network
// interface. The host registers its message handlers with the
// interface; a network interface may serve only one host.
func NewHost(net network.Interface, opts ...Option) *Host {
	h := &Host{
		net:    net,
		id:     uint32(net.ID()),
		events: eventlog.Nop{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.stats == nil {
		h.stats = stats.NewMap()
	}
	h.cond = ctxsync.NewCond(&h.mu)
	h.ld = newLocalDirectory(h)
	h.rd = newRemoteDirectory(h)
	net.Handle(padRequest, h.ld.handleRequest)
	net.Handle(padRelease, h.ld.handleRelease)
	net.Handle(padRecall, h.rd.handleRecall)
	net.Handle(padObject, h.rd.handleObject)
	net.Handle(padMissing, h.rd.handleMissing)
	return h
}

// ID returns the host's id.
func (h *Host) ID() int { return int(h.id) }

// Num returns the number of hosts in the network.
func (h *Host) Num() int { return h.net.Num() }

// Network returns the host's network interface.
func (h *Host) Network() network.Interface { return h.net }

// Stats returns a snapshot of the host's counters.
func (h *Host) Stats() stats.Values { return h.stats.Snapshot() }

// Counters returns the host's counter collection.
func (h *Host) Counters() *stats.Map { return h.stats }

// String returns a short description of the host.
func (h *Host) String() string { return fmt.Sprintf("host%d", h.id) }

// Start starts the host's polling goroutine, which services incoming
// messages, pending requests and deferred recalls until Shutdown is
// called or the context is canceled. Hosts whose network needs a
// dedicated thread must be started before objects are resolved.
func (h *Host) Start(ctx context.Context) {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	if h.polling {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.polling = true
	h.pollDone = make(chan struct{})
	go h.poll(ctx, h.pollDone)
}

func (h *Host) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	idle := 0
	for {
		if h.Poll() > 0 {
			idle = 0
			continue
		}
		if err := retry.Wait(ctx, pollPolicy, idle); err != nil {
			return
		}
		idle++
	}
}

// Shutdown stops the host's polling goroutine, if any, and waits
// for it to exit. Shutdown does not close the network interface.
func (h *Host) Shutdown() {
	h.pollMu.Lock()
	if !h.polling {
		h.pollMu.Unlock()
		return
	}
	h.cancel()
	done := h.pollDone
	h.polling = false
	h.pollMu.Unlock()
	<-done
}

func (h *Host) isPolling() bool {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	return h.polling
}

// Poll services the host once: it dispatches received messages,
// retries requests and recalls that could not be served earlier,
// and sends the resulting messages. It returns the number of
// messages dispatched.
func (h *Host) Poll() int {
	n := h.net.HandleReceives()
	h.mu.Lock()
	h.ld.servePendingLocked()
	h.rd.serveRecallsLocked()
	h.mu.Unlock()
	h.flush()
	return n
}

// Notify wakes up goroutines waiting on the host.
func (h *Host) Notify() {
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

// WaitUntil blocks until cond returns true. Cond is evaluated with
// the host's lock held, and must not block. While waiting, the host
// keeps servicing messages: by polling itself if it has no polling
// goroutine, or by relying on its polling goroutine otherwise.
// WaitUntil fails with a precondition error if the network requires
// a dedicated polling goroutine that has not been started.
func (h *Host) WaitUntil(ctx context.Context, cond func() bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !cond() {
		if err := h.yieldLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Yield waits briefly for the host to make progress: until it is
// notified of a state change, or for a short interval. Schedulers
// yield before retrying a unit of work that failed with a remote
// conflict.
func (h *Host) Yield(ctx context.Context) error {
	return h.yield(ctx)
}

func (h *Host) yield(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.yieldLocked(ctx)
}

func (h *Host) yieldLocked(ctx context.Context) error {
	if len(h.outbox) > 0 {
		h.mu.Unlock()
		h.flush()
		h.mu.Lock()
	}
	if !h.isPolling() {
		if h.net.NeedsDedicatedThread() {
			return errors.E(errors.Precondition, fmt.Sprintf("%s: network requires a polling goroutine; call Host.Start", h))
		}
		h.mu.Unlock()
		n := h.Poll()
		h.mu.Lock()
		if n > 0 {
			return nil
		}
	}
	return h.cond.WaitTimeout(ctx, waitPoll)
}

// Barrier returns once every host in the network has entered the
// barrier. Messages queued by this host are sent first.
func (h *Host) Barrier(ctx context.Context) error {
	if h.net.NeedsDedicatedThread() && !h.isPolling() {
		return errors.E(errors.Precondition, fmt.Sprintf("%s: network requires a polling goroutine; call Host.Start", h))
	}
	h.flush()
	return h.net.Barrier(ctx)
}

// Flush returns every cached proxy that is not held by a unit of
// work to its owner. Algorithms flush between phases so that owners
// need not recall their objects.
func (h *Host) Flush() int {
	h.mu.Lock()
	n := h.rd.flushLocked()
	h.mu.Unlock()
	h.flush()
	return n
}

// Recall asks the host currently caching the local object named by
// k to return it. Recalling an object that is not cached elsewhere,
// or that is already being recalled, does nothing.
func (h *Host) Recall(k Key) error {
	if k.Owner != h.id {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: recall of %v, which is owned by host %d", h, k, k.Owner))
	}
	h.mu.Lock()
	h.ld.recallLocked(k.Addr)
	h.mu.Unlock()
	h.flush()
	return nil
}

func (h *Host) register(obj Object) Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ld.registerLocked(obj)
}

// lookup returns the local object or cached proxy named by k.
func (h *Host) lookup(k Key) Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	if k.Owner == h.id {
		return h.ld.objects[k.Addr]
	}
	if e := h.rd.entries[k]; e != nil && e.state == entryPresent {
		return e.obj
	}
	return nil
}

// sendLocked queues a message for sending. Messages are sent in the
// order they are queued, after the host's lock is released.
func (h *Host) sendLocked(dest int, pad network.LandingPad, buf *serial.Buffer) {
	h.outbox = append(h.outbox, outgoing{dest, pad, buf})
}

// flush sends queued messages. Only one goroutine sends at a time,
// so that messages leave in the order they were queued.
func (h *Host) flush() {
	for {
		if !h.sendMu.TryLock() {
			return
		}
		for {
			h.mu.Lock()
			out := h.outbox
			h.outbox = nil
			h.mu.Unlock()
			if len(out) == 0 {
				break
			}
			for _, m := range out {
				h.stats.Add(stats.Messages, 1)
				h.stats.Add(stats.Bytes, int64(m.buf.Len()))
				if err := h.net.Send(m.dest, m.pad, m.buf); err != nil {
					log.Error.Printf("%s: send %s to host %d: %v", h, m.pad, m.dest, err)
				}
			}
		}
		h.sendMu.Unlock()
		// Messages queued while we released sendMu would otherwise
		// be stranded.
		h.mu.Lock()
		empty := len(h.outbox) == 0
		h.mu.Unlock()
		if empty {
			return
		}
	}
}

func (h *Host) event(typ string, fieldPairs ...interface{}) {
	h.events.Event("bigshare:"+typ, append([]interface{}{"host", int(h.id)}, fieldPairs...)...)
}
