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
	"github.com/grailbio/bigshare/serial"
	"github.com/grailbio/bigshare/stats"
	"github.com/grailbio/bigshare/txn"
)

type entryState int

const (
	entryPending entryState = iota
	entryPresent
	entryMissing
	// entryFailed marks a proxy whose state could not be decoded. The
	// owner considers the object exported to this host, so the entry
	// is kept and reports its error to every resolver.
	entryFailed
)

type remoteEntry struct {
	state entryState
	obj   Object
	err   error
	// recalled is set when the owner asked for the object back
	// while it was held by a local unit of work.
	recalled bool
}

// The remoteDirectory caches proxies for objects owned by other
// hosts. A proxy is the writable copy of its object until the owner
// recalls it; the directory then returns the proxy's state to the
// owner and forgets the entry. A proxy that has been returned stays
// held by the directory, so that units of work still referring to it
// fail to acquire it and re-resolve.
//
// The directory's state is protected by the host's lock.
type remoteDirectory struct {
	h       *Host
	entries map[Key]*remoteEntry
	// recalls holds the keys of entries with deferred recalls.
	recalls map[Key]bool
}

func newRemoteDirectory(h *Host) *remoteDirectory {
	return &remoteDirectory{
		h:       h,
		entries: make(map[Key]*remoteEntry),
		recalls: make(map[Key]bool),
	}
}

// String implements txn.Owner.
func (d *remoteDirectory) String() string {
	return fmt.Sprintf("host%d.remote", d.h.id)
}

// entryLocked returns the entry for k, creating it and requesting
// the object from its owner if it does not exist.
func (d *remoteDirectory) entryLocked(k Key, newObj func() Object) *remoteEntry {
	if e := d.entries[k]; e != nil {
		return e
	}
	obj := newObj()
	if err := serial.Check(reflect.TypeOf(obj)); err != nil {
		log.Panicf("bigshare: objects of type %T cannot be shared: %v", obj, err)
	}
	obj.shared().key = k
	e := &remoteEntry{state: entryPending, obj: obj}
	d.entries[k] = e
	d.h.sendLocked(int(k.Owner), padRequest, addrMessage(k.Addr))
	return e
}

func (d *remoteDirectory) prefetch(k Key, newObj func() Object) {
	d.h.mu.Lock()
	d.entryLocked(k, newObj)
	d.h.mu.Unlock()
	d.h.flush()
}

// resolve returns the proxy for k. If tx is active, the proxy is
// acquired on its behalf; a proxy that is not cached yet is
// requested from its owner, and the unit of work fails with a remote
// conflict instead of waiting for it. Otherwise resolve waits for
// the proxy to arrive and to be free.
func (d *remoteDirectory) resolve(ctx context.Context, tx *txn.Context, k Key, newObj func() Object) (Object, error) {
	h := d.h
	if tx.IsActive() {
		h.mu.Lock()
		obj, err := d.acquireLocked(tx, k, d.entryLocked(k, newObj))
		h.mu.Unlock()
		h.flush()
		return obj, err
	}
	for {
		h.mu.Lock()
		e := d.entryLocked(k, newObj)
		h.mu.Unlock()
		var state entryState
		if err := h.WaitUntil(ctx, func() bool {
			state = e.state
			return state != entryPending
		}); err != nil {
			return nil, err
		}
		switch state {
		case entryMissing:
			h.mu.Lock()
			d.forgetLocked(k, e)
			h.mu.Unlock()
			return nil, notExist(k)
		case entryFailed:
			return nil, e.err
		}
		s := e.obj.shared()
		var stale bool
		err := h.WaitUntil(ctx, func() bool {
			stale = d.entries[k] != e
			return stale || !s.IsAcquired()
		})
		if err != nil {
			return nil, err
		}
		if !stale {
			return e.obj, nil
		}
		// The proxy was returned to its owner while we waited.
	}
}

func (d *remoteDirectory) acquireLocked(tx *txn.Context, k Key, e *remoteEntry) (Object, error) {
	switch e.state {
	case entryPending:
		return nil, d.h.conflict(k, true)
	case entryMissing:
		d.forgetLocked(k, e)
		return nil, notExist(k)
	case entryFailed:
		return nil, e.err
	}
	s := e.obj.shared()
	if tx.Holds(&s.Lockable) {
		return e.obj, nil
	}
	if e.recalled {
		return nil, d.h.conflict(k, true)
	}
	if tx.Acquire(&s.Lockable) {
		return e.obj, nil
	}
	return nil, d.h.conflict(k, s.IsAcquiredBy(d))
}

// forgetLocked removes the missing entry e, so that the next
// resolve of k asks the owner again: the object may have been
// registered since.
func (d *remoteDirectory) forgetLocked(k Key, e *remoteEntry) {
	if d.entries[k] == e {
		delete(d.entries, k)
	}
}

func notExist(k Key) error {
	return errors.E(errors.NotExist, fmt.Sprintf("bigshare: no object %v", k))
}

// shipLocked returns the proxy for k to its owner if no unit of work
// holds it. It reports whether the proxy was returned.
func (d *remoteDirectory) shipLocked(k Key, e *remoteEntry) bool {
	if e.state != entryPresent {
		return false
	}
	s := e.obj.shared()
	if !s.TryAcquire(d) {
		return false
	}
	delete(d.entries, k)
	delete(d.recalls, k)
	d.h.sendLocked(int(k.Owner), padRelease, stateMessage(k.Addr, e.obj))
	d.h.cond.Broadcast()
	return true
}

func (d *remoteDirectory) serveRecallsLocked() {
	for k := range d.recalls {
		e := d.entries[k]
		if e == nil {
			delete(d.recalls, k)
			continue
		}
		d.shipLocked(k, e)
	}
}

func (d *remoteDirectory) flushLocked() int {
	var n int
	for k, e := range d.entries {
		if d.shipLocked(k, e) {
			n++
		}
	}
	return n
}

func (d *remoteDirectory) handleRecall(from int, b *serial.Buffer) {
	addr := b.Uvarint()
	if err := b.Err(); err != nil {
		log.Error.Printf("%s: bad recall from host %d: %v", d, from, err)
		return
	}
	k := Key{uint32(from), addr}
	h := d.h
	h.mu.Lock()
	defer h.mu.Unlock()
	e := d.entries[k]
	if e == nil {
		// The proxy was already returned.
		return
	}
	if d.shipLocked(k, e) {
		return
	}
	e.recalled = true
	d.recalls[k] = true
	h.stats.Add(stats.RecallsDeferred, 1)
}

func (d *remoteDirectory) handleObject(from int, b *serial.Buffer) {
	addr := b.Uvarint()
	k := Key{uint32(from), addr}
	h := d.h
	h.mu.Lock()
	defer h.mu.Unlock()
	e := d.entries[k]
	if e == nil || e.state != entryPending {
		log.Error.Printf("%s: unexpected object %v", d, k)
		return
	}
	if err := serial.Decode(b, e.obj); err != nil {
		log.Error.Printf("%s: decode object %v: %v", d, k, err)
		e.state = entryFailed
		e.err = errors.E(errors.Integrity, fmt.Sprintf("bigshare: decode object %v", k), err)
		h.cond.Broadcast()
		return
	}
	e.state = entryPresent
	h.stats.Add(stats.ObjectsReceived, 1)
	h.cond.Broadcast()
}

func (d *remoteDirectory) handleMissing(from int, b *serial.Buffer) {
	addr := b.Uvarint()
	k := Key{uint32(from), addr}
	h := d.h
	h.mu.Lock()
	defer h.mu.Unlock()
	e := d.entries[k]
	if e == nil || e.state != entryPending {
		log.Error.Printf("%s: unexpected missing %v", d, k)
		return
	}
	e.state = entryMissing
	h.cond.Broadcast()
}

// cached reports whether a proxy for k is present.
func (d *remoteDirectory) cached(k Key) bool {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	e := d.entries[k]
	return e != nil && e.state == entryPresent
}
