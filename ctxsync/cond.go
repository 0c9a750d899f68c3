// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides a context-aware condition variable used by
// hosts and executors to block while the network keeps delivering
// messages.
package ctxsync

import (
	"context"
	"sync"
	"time"
)

// A Cond is a condition variable that implements
// a context-aware Wait.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The cond's lock must be held when calling Wait. Wait
// returns the context's error if the context completes while
// waiting.
func (c *Cond) Wait(ctx context.Context) error {
	return c.wait(ctx, nil)
}

// WaitTimeout is like Wait, but also returns (with a nil error)
// after the duration d has elapsed. Callers use it when some state
// changes may happen without a Broadcast, and must be re-checked
// periodically.
func (c *Cond) WaitTimeout(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	return c.wait(ctx, t.C)
}

func (c *Cond) wait(ctx context.Context, timeout <-chan time.Time) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-timeout:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}
