// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigshare

import (
	"context"
	"fmt"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigshare/serial"
	"github.com/grailbio/bigshare/stats"
	"github.com/grailbio/bigshare/txn"
)

type request struct {
	from int
	addr uint64
}

// The localDirectory tracks the objects owned by a host and the
// hosts to which they have been exported. While an object is
// exported, it is held by the directory, so that no local unit of
// work can use the stale local copy; the directory releases it when
// the remote host returns the object's state.
//
// The directory's state is protected by the host's lock.
type localDirectory struct {
	h *Host

	next    uint64
	objects map[uint64]Object
	// exported maps addresses to the host caching the object.
	exported map[uint64]int
	// recalled records exported objects for which a recall was
	// sent, so that each export is recalled at most once.
	recalled map[uint64]bool
	// pending holds requests that could not be served yet.
	pending []request
}

func newLocalDirectory(h *Host) *localDirectory {
	return &localDirectory{
		h:        h,
		objects:  make(map[uint64]Object),
		exported: make(map[uint64]int),
		recalled: make(map[uint64]bool),
	}
}

// String implements txn.Owner.
func (d *localDirectory) String() string {
	return fmt.Sprintf("host%d.local", d.h.id)
}

func (d *localDirectory) registerLocked(obj Object) Key {
	s := obj.shared()
	if !s.key.IsZero() {
		must.Truef(s.key.Owner == d.h.id, "bigshare: register of %v on host %d", s.key, d.h.id)
		return s.key
	}
	if err := serial.Check(reflect.TypeOf(obj)); err != nil {
		log.Panicf("bigshare: objects of type %T cannot be shared: %v", obj, err)
	}
	d.next++
	s.key = Key{d.h.id, d.next}
	d.objects[d.next] = obj
	return s.key
}

// resolve returns the local object at addr, acquiring it for tx if
// tx is active.
func (d *localDirectory) resolve(ctx context.Context, tx *txn.Context, addr uint64) (Object, error) {
	h := d.h
	h.mu.Lock()
	obj := d.objects[addr]
	h.mu.Unlock()
	if obj == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("bigshare: no object %v", Key{h.id, addr}))
	}
	s := obj.shared()
	if tx.IsActive() {
		if tx.Acquire(&s.Lockable) {
			return obj, nil
		}
		h.mu.Lock()
		d.recallLocked(addr)
		remote := s.IsAcquiredBy(d)
		h.mu.Unlock()
		h.flush()
		return nil, h.conflict(s.key, remote)
	}
	err := h.WaitUntil(ctx, func() bool {
		if !s.IsAcquired() {
			return true
		}
		if s.IsAcquiredBy(d) {
			d.recallLocked(addr)
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// recallLocked asks the host caching the object at addr to return
// it. It does nothing if the object is not exported or a recall is
// already outstanding.
func (d *localDirectory) recallLocked(addr uint64) {
	holder, ok := d.exported[addr]
	if !ok || d.recalled[addr] {
		return
	}
	d.recalled[addr] = true
	d.h.stats.Add(stats.Recalls, 1)
	d.h.event("recall", "key", Key{d.h.id, addr}.String(), "holder", holder)
	d.h.sendLocked(holder, padRecall, addrMessage(addr))
}

// serveLocked tries to serve a request from a remote host. It
// returns false if the request must be retried later.
func (d *localDirectory) serveLocked(from int, addr uint64) bool {
	obj := d.objects[addr]
	if obj == nil {
		d.h.stats.Add(stats.Missing, 1)
		d.h.sendLocked(from, padMissing, addrMessage(addr))
		return true
	}
	if _, ok := d.exported[addr]; ok {
		d.recallLocked(addr)
		return false
	}
	s := obj.shared()
	if !s.TryAcquire(d) {
		return false
	}
	d.exported[addr] = from
	d.h.stats.Add(stats.ObjectsSent, 1)
	d.h.sendLocked(from, padObject, stateMessage(addr, obj))
	return true
}

func (d *localDirectory) servePendingLocked() {
	if len(d.pending) == 0 {
		return
	}
	q := d.pending
	d.pending = nil
	for _, r := range q {
		if !d.serveLocked(r.from, r.addr) {
			d.pending = append(d.pending, r)
		}
	}
}

// isPendingLocked tells whether earlier requests for addr are
// waiting; new requests queue behind them.
func (d *localDirectory) isPendingLocked(addr uint64) bool {
	for _, r := range d.pending {
		if r.addr == addr {
			return true
		}
	}
	return false
}

func (d *localDirectory) handleRequest(from int, b *serial.Buffer) {
	addr := b.Uvarint()
	if err := b.Err(); err != nil {
		log.Error.Printf("%s: bad request from host %d: %v", d, from, err)
		return
	}
	h := d.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Add(stats.Requests, 1)
	if d.isPendingLocked(addr) || !d.serveLocked(from, addr) {
		d.pending = append(d.pending, request{from, addr})
	}
}

func (d *localDirectory) handleRelease(from int, b *serial.Buffer) {
	addr := b.Uvarint()
	h := d.h
	h.mu.Lock()
	defer h.mu.Unlock()
	obj := d.objects[addr]
	if holder, ok := d.exported[addr]; obj == nil || !ok || holder != from {
		log.Error.Printf("%s: unexpected release of %v from host %d", d, Key{h.id, addr}, from)
		return
	}
	if err := serial.Decode(b, obj); err != nil {
		log.Error.Printf("%s: decode release of %v from host %d: %v", d, Key{h.id, addr}, from, err)
	}
	delete(d.exported, addr)
	delete(d.recalled, addr)
	obj.shared().Release(d)
	h.stats.Add(stats.Releases, 1)
	d.servePendingLocked()
	h.cond.Broadcast()
}

// exportedTo returns the host caching the object at addr, if any.
func (d *localDirectory) exportedTo(addr uint64) (int, bool) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	holder, ok := d.exported[addr]
	return holder, ok
}

func (h *Host) conflict(k Key, remote bool) error {
	if remote {
		h.stats.Add(stats.RemoteConflicts, 1)
	} else {
		h.stats.Add(stats.Conflicts, 1)
	}
	h.event("conflict", "key", k.String(), "remote", remote)
	return &txn.Conflict{Remote: remote, Object: k}
}
