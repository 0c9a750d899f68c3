// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package txn

import (
	"sync"

	"github.com/grailbio/base/must"
)

// An Owner is anything that can hold a Lockable: a transactional
// Context, or a directory that has shipped an object's state to
// another host. Owners are compared by identity and should be
// pointers.
type Owner interface {
	String() string
}

// Lockable is the lock state embedded in every shared object and
// proxy. The zero Lockable is free.
type Lockable struct {
	mu    sync.Mutex
	owner Owner
}

// TryAcquire acquires l for owner o, returning false if l is held
// by another owner. Acquiring a Lockable already held by o succeeds.
func (l *Lockable) TryAcquire(o Owner) bool {
	must.True(o != nil, "txn: nil owner")
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.owner {
	case nil:
		l.owner = o
		return true
	case o:
		return true
	default:
		return false
	}
}

// Release releases l, which must be held by o.
func (l *Lockable) Release(o Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	must.Truef(l.owner == o, "txn: release by %v of lock held by %v", o, l.owner)
	l.owner = nil
}

// IsAcquired tells whether l is held by any owner.
func (l *Lockable) IsAcquired() bool {
	return l.Holder() != nil
}

// IsAcquiredBy tells whether l is held by o.
func (l *Lockable) IsAcquiredBy(o Owner) bool {
	return l.Holder() == o
}

// Holder returns the current owner of l, or nil.
func (l *Lockable) Holder() Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
