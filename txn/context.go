// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package txn implements the transactional layer of bigshare: the
// lock state carried by shared objects, the per-unit-of-work
// Context that acquires them, and the conflict errors reported when
// an acquisition fails.
//
// A Context is used by a single goroutine at a time. Acquisition
// never blocks: a unit of work that cannot acquire an object fails
// with a Conflict, releases everything it holds, and is retried by
// the scheduler.
package txn

import (
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/must"
)

// State is the state of a Context.
type State int

const (
	// Idle is the state of a fresh or reset Context.
	Idle State = iota
	// Active is the state of a Context between Begin and Commit or
	// Abort.
	Active
	// Committed is the state of a Context after Commit.
	Committed
	// Aborted is the state of a Context after Abort.
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var nextID uint64

// Context is the state of one unit of work: the set of objects it
// has acquired.
type Context struct {
	id    uint64
	state State
	held  []*Lockable
}

// NewContext returns a new, idle context.
func NewContext() *Context {
	return &Context{id: atomic.AddUint64(&nextID, 1)}
}

// String returns a short description of the context.
func (c *Context) String() string {
	return fmt.Sprintf("txn%d", c.id)
}

// State returns the context's current state.
func (c *Context) State() State {
	return c.state
}

// IsActive tells whether c is non-nil and active. A nil context is
// never active.
func (c *Context) IsActive() bool {
	return c != nil && c.state == Active
}

// Begin starts a new unit of work. The context must not be active.
func (c *Context) Begin() {
	must.Truef(c.state != Active, "txn: begin on %s context", c.state)
	must.True(len(c.held) == 0)
	c.state = Active
}

// Acquire acquires l on behalf of the context. It returns false
// without blocking if l is held by another owner. Re-acquiring an
// object already held by the context succeeds.
func (c *Context) Acquire(l *Lockable) bool {
	must.Truef(c.state == Active, "txn: acquire on %s context", c.state)
	if l.IsAcquiredBy(c) {
		return true
	}
	if !l.TryAcquire(c) {
		return false
	}
	c.held = append(c.held, l)
	return true
}

// Release releases a single object held by the context before the
// unit of work ends. It reports whether l was held.
func (c *Context) Release(l *Lockable) bool {
	for i, h := range c.held {
		if h != l {
			continue
		}
		l.Release(c)
		copy(c.held[i:], c.held[i+1:])
		c.held[len(c.held)-1] = nil
		c.held = c.held[:len(c.held)-1]
		return true
	}
	return false
}

// Holds tells whether l is held by the context.
func (c *Context) Holds(l *Lockable) bool {
	return l.IsAcquiredBy(c)
}

// Held returns the number of objects held by the context.
func (c *Context) Held() int {
	return len(c.held)
}

// Commit ends the unit of work successfully, releasing every object
// it holds.
func (c *Context) Commit() {
	must.Truef(c.state == Active, "txn: commit on %s context", c.state)
	c.releaseAll()
	c.state = Committed
}

// Abort ends the unit of work unsuccessfully, releasing every object
// it holds. Modifications already made to acquired objects are not
// undone. Abort is a no-op on a context that is not active.
func (c *Context) Abort() {
	if c.state != Active {
		return
	}
	c.releaseAll()
	c.state = Aborted
}

// Reset returns a finished context to the idle state so it can be
// reused.
func (c *Context) Reset() {
	must.Truef(c.state != Active, "txn: reset of active context")
	c.state = Idle
}

func (c *Context) releaseAll() {
	for i := len(c.held) - 1; i >= 0; i-- {
		c.held[i].Release(c)
		c.held[i] = nil
	}
	c.held = c.held[:0]
}
