// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare/ctxsync"
	"github.com/grailbio/bigshare/serial"
)

var (
	padArrive  = Pad("network.barrier.arrive")
	padRelease = Pad("network.barrier.release")
)

// barrierPoll is the interval at which a waiting barrier re-checks
// its state when receives are handled elsewhere.
const barrierPoll = time.Millisecond

// A barrier is a message barrier coordinated by host 0: each host
// sends an arrival for the current epoch to host 0, which broadcasts
// the release once every host has arrived.
type barrier struct {
	e *Endpoint

	mu       sync.Mutex
	cond     *ctxsync.Cond
	next     uint64
	released uint64
	// arrivals counts arrivals per epoch; used only on host 0.
	arrivals map[uint64]int
}

func (b *barrier) init(e *Endpoint) {
	b.e = e
	b.cond = ctxsync.NewCond(&b.mu)
	b.arrivals = make(map[uint64]int)
	e.Handle(padArrive, b.handleArrive)
	e.Handle(padRelease, b.handleRelease)
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	epoch := b.next
	b.next++
	b.mu.Unlock()

	var buf serial.Buffer
	buf.PutUvarint(epoch)
	if err := b.e.Send(0, padArrive, &buf); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.released <= epoch {
		if !b.e.dedicated {
			b.mu.Unlock()
			n := b.e.HandleReceives()
			b.mu.Lock()
			if n > 0 {
				continue
			}
		}
		if err := b.cond.WaitTimeout(ctx, barrierPoll); err != nil {
			return err
		}
	}
	return nil
}

func (b *barrier) handleArrive(from int, buf *serial.Buffer) {
	epoch := buf.Uvarint()
	if err := buf.Err(); err != nil {
		log.Error.Printf("network: bad barrier arrival from %d: %v", from, err)
		return
	}
	b.mu.Lock()
	b.arrivals[epoch]++
	done := b.arrivals[epoch] == b.e.num
	if done {
		delete(b.arrivals, epoch)
	}
	b.mu.Unlock()
	if !done {
		return
	}
	log.Debug.Printf("network: barrier %d complete", epoch)
	var out serial.Buffer
	out.PutUvarint(epoch)
	if err := b.e.Broadcast(padRelease, &out, true); err != nil {
		log.Error.Printf("network: barrier %d release: %v", epoch, err)
	}
}

func (b *barrier) handleRelease(from int, buf *serial.Buffer) {
	epoch := buf.Uvarint()
	if err := buf.Err(); err != nil {
		log.Error.Printf("network: bad barrier release from %d: %v", from, err)
		return
	}
	b.mu.Lock()
	if epoch+1 > b.released {
		b.released = epoch + 1
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}
