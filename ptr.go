// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigshare

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshare/serial"
	"github.com/grailbio/bigshare/txn"
)

// Key identifies a shared object cluster-wide: the id of its owner
// and its address in the owner's object table. Addresses start at 1,
// so the zero Key names no object.
type Key struct {
	Owner uint32
	Addr  uint64
}

// IsZero tells whether k names no object.
func (k Key) IsZero() bool { return k.Addr == 0 }

// Less orders keys by owner, then address.
func (k Key) Less(l Key) bool {
	if k.Owner != l.Owner {
		return k.Owner < l.Owner
	}
	return k.Addr < l.Addr
}

// String renders the key as [owner,addr].
func (k Key) String() string {
	return fmt.Sprintf("[%d,%d]", k.Owner, k.Addr)
}

// Ptr is a typed, host-qualified reference to a shared object of
// type T. A Ptr never owns memory: the object is owned by the host
// that registered it, and resolving a Ptr on any other host yields a
// proxy. The zero Ptr is null.
//
// Ptrs are comparable and may be used as map keys.
type Ptr[T any] struct {
	owner uint32
	addr  uint64
}

// NewPtr registers obj with host h, which becomes its owner, and
// returns a pointer to it. Registering an object again returns an
// equal pointer. Objects owned by another host (proxies) cannot be
// registered.
func NewPtr[T any, PT interface {
	*T
	Object
}](h *Host, obj PT) Ptr[T] {
	k := h.register(obj)
	return Ptr[T]{owner: k.Owner, addr: k.Addr}
}

// PtrTo returns the pointer named by key k.
func PtrTo[T any](k Key) Ptr[T] {
	return Ptr[T]{owner: k.Owner, addr: k.Addr}
}

// IsNull tells whether p is the null pointer.
func (p Ptr[T]) IsNull() bool { return p.addr == 0 }

// Owner returns the id of the host that owns the object.
func (p Ptr[T]) Owner() uint32 { return p.owner }

// Addr returns the address of the object in its owner's object
// table. It is not a machine address.
func (p Ptr[T]) Addr() uint64 { return p.addr }

// Key returns the key of the object named by p.
func (p Ptr[T]) Key() Key { return Key{p.owner, p.addr} }

// IsLocal tells whether the object is owned by host h.
func (p Ptr[T]) IsLocal(h *Host) bool { return p.owner == h.id }

// Equal tells whether p and q name the same object.
func (p Ptr[T]) Equal(q Ptr[T]) bool { return p == q }

// Less orders pointers by owner, then address.
func (p Ptr[T]) Less(q Ptr[T]) bool { return p.Key().Less(q.Key()) }

// Compare returns -1, 0, or 1 as p is less than, equal to, or
// greater than q.
func (p Ptr[T]) Compare(q Ptr[T]) int {
	switch {
	case p == q:
		return 0
	case p.Less(q):
		return -1
	default:
		return 1
	}
}

// String renders the pointer as [owner,addr].
func (p Ptr[T]) String() string { return p.Key().String() }

// Serialize writes the (owner, address) pair.
func (p Ptr[T]) Serialize(b *serial.Buffer) {
	b.PutUvarint(uint64(p.owner))
	b.PutUvarint(p.addr)
}

// Deserialize reads a pointer written by Serialize.
func (p *Ptr[T]) Deserialize(b *serial.Buffer) error {
	owner := b.Uvarint()
	p.addr = b.Uvarint()
	if err := b.Err(); err != nil {
		return err
	}
	if owner > 1<<32-1 {
		return errors.E(errors.Integrity, fmt.Sprintf("bigshare: invalid owner %d", owner))
	}
	p.owner = uint32(owner)
	return nil
}

// Resolve dereferences p on host h. If tx is active, the object is
// acquired on its behalf, and Resolve fails with a *txn.Conflict if
// the object is held elsewhere: by another unit of work, or by
// another host. Otherwise (tx is nil or not active) Resolve waits
// until the object is not held by any unit of work and returns it
// without acquiring it.
//
// Objects owned by another host are fetched on first use and cached
// as proxies until their owner recalls them. Resolve services
// incoming messages while it waits.
func Resolve[T any, PT interface {
	*T
	Object
}](ctx context.Context, h *Host, tx *txn.Context, p Ptr[T]) (PT, error) {
	if p.IsNull() {
		return nil, errors.E(errors.Invalid, "bigshare.Resolve: null pointer")
	}
	var (
		obj Object
		err error
	)
	if p.IsLocal(h) {
		obj, err = h.ld.resolve(ctx, tx, p.addr)
	} else {
		obj, err = h.rd.resolve(ctx, tx, p.Key(), func() Object { return PT(new(T)) })
	}
	if err != nil {
		return nil, err
	}
	return obj.(PT), nil
}

// TryAcquire acquires p for the active context tx without waiting
// on other units of work. It returns false if the object is held
// elsewhere; the object is then being recalled if it is held by
// another host.
func TryAcquire[T any, PT interface {
	*T
	Object
}](ctx context.Context, h *Host, tx *txn.Context, p Ptr[T]) (PT, bool, error) {
	if !tx.IsActive() {
		return nil, false, errors.E(errors.Precondition, "bigshare.TryAcquire: context is not active")
	}
	obj, err := Resolve[T, PT](ctx, h, tx, p)
	switch {
	case err == nil:
		return obj, true, nil
	case txn.IsConflict(err):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Acquire acquires p for the active context tx, waiting until it is
// released by other units of work or hosts. Acquire is meant for
// administrative access from outside the scheduler: units of work
// that wait on each other may deadlock.
func Acquire[T any, PT interface {
	*T
	Object
}](ctx context.Context, h *Host, tx *txn.Context, p Ptr[T]) (PT, error) {
	for {
		obj, ok, err := TryAcquire[T, PT](ctx, h, tx, p)
		if err != nil || ok {
			return obj, err
		}
		if err := h.yield(ctx); err != nil {
			return nil, err
		}
	}
}

// Release releases p, which must be held by tx, before tx ends.
func Release[T any](h *Host, tx *txn.Context, p Ptr[T]) error {
	obj := h.lookup(p.Key())
	if obj == nil || !tx.Release(&obj.shared().Lockable) {
		return errors.E(errors.Invalid, fmt.Sprintf("bigshare.Release: %v is not held by %v", p, tx))
	}
	return nil
}

// Prefetch starts fetching the object named by p if it is owned by
// another host and not cached yet. Prefetch does not wait.
func Prefetch[T any, PT interface {
	*T
	Object
}](h *Host, p Ptr[T]) {
	if p.IsNull() || p.IsLocal(h) {
		return
	}
	h.rd.prefetch(p.Key(), func() Object { return PT(new(T)) })
}
