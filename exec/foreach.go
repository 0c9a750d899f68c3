// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"

	"github.com/grailbio/bigshare/ctxsync"
	"github.com/grailbio/bigshare/txn"
	"golang.org/x/sync/errgroup"
)

// ForEach runs fn as a unit of work for each item, in parallel on
// the executor. Items whose units of work conflict are put back at
// the end of the worklist and run again later, so fn may run more
// than once for an item, but completes exactly once. ForEach returns
// the first error other than a conflict; the remaining items are
// then abandoned.
func ForEach[T any](ctx context.Context, e *Executor, items []T, fn func(ctx context.Context, tx *txn.Context, item T) error) error {
	if len(items) == 0 {
		return nil
	}
	var (
		mu        sync.Mutex
		cond      = ctxsync.NewCond(&mu)
		queue     = make([]int, len(items))
		remaining = len(items)
	)
	for i := range queue {
		queue[i] = i
	}
	n := e.p
	if n > len(items) {
		n = len(items)
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		g.Go(func() error {
			if err := e.limiter.Acquire(ctx, 1); err != nil {
				return err
			}
			defer e.limiter.Release(1)
			tx := txn.NewContext()
			var retries int
			for {
				mu.Lock()
				for len(queue) == 0 && remaining > 0 {
					if err := cond.Wait(ctx); err != nil {
						mu.Unlock()
						return err
					}
				}
				if remaining == 0 {
					mu.Unlock()
					return nil
				}
				i := queue[0]
				queue = queue[1:]
				mu.Unlock()

				item := items[i]
				outcome, err := e.run(ctx, tx, func(ctx context.Context, tx *txn.Context) error {
					return fn(ctx, tx, item)
				})
				switch {
				case outcome == txn.Ok:
					retries = 0
					mu.Lock()
					remaining--
					if remaining == 0 {
						cond.Broadcast()
					}
					mu.Unlock()
				case outcome.Retry():
					mu.Lock()
					queue = append(queue, i)
					cond.Broadcast()
					mu.Unlock()
					if err := e.backoff(ctx, outcome, retries); err != nil {
						return err
					}
					retries++
				default:
					return err
				}
			}
		})
	}
	return g.Wait()
}
