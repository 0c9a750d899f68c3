// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/serial"
)

var padGather = network.Pad("exec.allgather")

// Env is the per-host environment in which jobs run: the host, its
// executor, and the collective operations among the session's
// hosts.
type Env struct {
	*Executor
	gather *gatherer
}

func newEnv(h *bigshare.Host, p int, policy retry.Policy) *Env {
	env := &Env{
		Executor: NewExecutor(h, p, policy),
		gather:   newGatherer(h),
	}
	return env
}

// ID returns the id of the env's host.
func (e *Env) ID() int { return e.host.ID() }

// Num returns the number of hosts in the session.
func (e *Env) Num() int { return e.host.Num() }

// Barrier returns once every host has entered the barrier.
func (e *Env) Barrier(ctx context.Context) error { return e.host.Barrier(ctx) }

// A gatherer collects the contributions of every host to successive
// all-gather rounds. Rounds are numbered in the order in which each
// host enters them, so all hosts must perform the same sequence of
// all-gathers.
type gatherer struct {
	host *bigshare.Host

	mu     sync.Mutex
	next   uint64
	rounds map[uint64]*round
}

type round struct {
	values [][]byte
	n      int
}

func newGatherer(h *bigshare.Host) *gatherer {
	g := &gatherer{host: h, rounds: make(map[uint64]*round)}
	h.Network().Handle(padGather, g.handle)
	return g
}

func (g *gatherer) roundLocked(epoch uint64) *round {
	r := g.rounds[epoch]
	if r == nil {
		r = &round{values: make([][]byte, g.host.Num())}
		g.rounds[epoch] = r
	}
	return r
}

func (g *gatherer) handle(from int, b *serial.Buffer) {
	epoch := b.Uvarint()
	if err := b.Err(); err != nil {
		log.Error.Printf("exec: bad all-gather message from host %d: %v", from, err)
		return
	}
	p := make([]byte, b.Len())
	copy(p, b.Bytes())
	g.mu.Lock()
	r := g.roundLocked(epoch)
	if r.values[from] == nil {
		r.n++
	}
	r.values[from] = p
	g.mu.Unlock()
	g.host.Notify()
}

// AllGather contributes v to a collective exchange among all hosts,
// and returns every host's contribution, indexed by host id. Every
// host must call AllGather the same number of times, in the same
// order.
func AllGather[T any](ctx context.Context, env *Env, v T) ([]T, error) {
	g := env.gather
	g.mu.Lock()
	epoch := g.next
	g.next++
	g.mu.Unlock()

	b := new(serial.Buffer)
	b.PutUvarint(epoch)
	if err := serial.Encode(b, v); err != nil {
		b.Release()
		return nil, err
	}
	if err := g.host.Network().Broadcast(padGather, b, true); err != nil {
		return nil, err
	}
	var r *round
	err := g.host.WaitUntil(ctx, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		r = g.roundLocked(epoch)
		return r.n == len(r.values)
	})
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	delete(g.rounds, epoch)
	g.mu.Unlock()
	out := make([]T, len(r.values))
	for i, p := range r.values {
		if err := serial.Decode(serial.NewBuffer(p), &out[i]); err != nil {
			return nil, errors.E(err, fmt.Sprintf("exec.AllGather: value from host %d", i))
		}
	}
	return out, nil
}
