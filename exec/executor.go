// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/stats"
	"github.com/grailbio/bigshare/txn"
)

// Work is a unit of work. It resolves the shared objects it uses
// through tx. Work that fails with a conflict is aborted and run
// again from the start, so it must be safe to repeat: it should not
// modify objects before it has acquired all of them.
type Work func(ctx context.Context, tx *txn.Context) error

// An Executor runs units of work on a host, bounding their
// parallelism and retrying them on conflict.
type Executor struct {
	host    *bigshare.Host
	p       int
	limiter *limiter.Limiter
	// policy, if non-nil, is the backoff applied between retries
	// of a conflicting unit of work.
	policy retry.Policy
}

// NewExecutor returns an executor that runs at most p units of work
// at a time on host h. If policy is non-nil, it determines the delay
// before each retry of a conflicting unit of work; otherwise units
// of work are retried as soon as the conflicting object may have
// been released.
func NewExecutor(h *bigshare.Host, p int, policy retry.Policy) *Executor {
	if p <= 0 {
		panic("exec.NewExecutor: p <= 0")
	}
	e := &Executor{
		host:    h,
		p:       p,
		limiter: limiter.New(),
		policy:  policy,
	}
	e.limiter.Release(p)
	return e
}

// Host returns the executor's host.
func (e *Executor) Host() *bigshare.Host { return e.host }

// Parallelism returns the maximum number of units of work the
// executor runs at a time.
func (e *Executor) Parallelism() int { return e.p }

// Do runs a unit of work until it completes or fails with an error
// other than a conflict.
func (e *Executor) Do(ctx context.Context, w Work) error {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.limiter.Release(1)
	tx := txn.NewContext()
	for retries := 0; ; retries++ {
		outcome, err := e.run(ctx, tx, w)
		if !outcome.Retry() {
			return err
		}
		if err := e.backoff(ctx, outcome, retries); err != nil {
			return err
		}
	}
}

// run runs w once in a new unit of work on tx, committing it on
// success and aborting it otherwise.
func (e *Executor) run(ctx context.Context, tx *txn.Context, w Work) (outcome txn.Outcome, err error) {
	tx.Begin()
	defer func() {
		if p := recover(); p != nil {
			tx.Abort()
			outcome = txn.Failed
			err = errors.E(errors.Fatal, fmt.Sprintf("unit of work panic: %v\n%s", p, debug.Stack()))
		}
	}()
	err = w(ctx, tx)
	outcome = txn.OutcomeOf(err)
	if outcome == txn.Ok {
		tx.Commit()
	} else {
		tx.Abort()
	}
	if outcome.Retry() {
		err = nil
	}
	return
}

// backoff waits before a conflicting unit of work is retried.
func (e *Executor) backoff(ctx context.Context, outcome txn.Outcome, retries int) error {
	e.host.Counters().Add(stats.Retries, 1)
	if e.policy != nil {
		return retry.Wait(ctx, e.policy, retries)
	}
	if outcome == txn.RemoteConflicted {
		return e.host.Yield(ctx)
	}
	runtime.Gosched()
	return ctx.Err()
}
