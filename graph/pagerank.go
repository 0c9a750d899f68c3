// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/exec"
	"github.com/grailbio/bigshare/txn"
)

// Default PageRank parameters.
const (
	DefaultAlpha         = 0.15
	DefaultTolerance     = 0.01
	DefaultMaxIterations = 100
)

// Rank is the per-node state of PageRank.
type Rank struct {
	ID    int
	Value float64
	Accum float64
}

// Options configures a PageRank computation. Zero values select the
// defaults; a negative tolerance runs exactly MaxIterations
// iterations.
type Options struct {
	Alpha         float64
	Tolerance     float64
	MaxIterations int
}

func (o Options) withDefaults() Options {
	if o.Alpha == 0 {
		o.Alpha = DefaultAlpha
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// Result summarizes a PageRank computation.
type Result struct {
	Iterations int
	MaxDelta   float64
	Converged  bool
}

func (r Result) String() string {
	return fmt.Sprintf("iterations:%d maxdelta:%g converged:%v", r.Iterations, r.MaxDelta, r.Converged)
}

// PageRank computes the PageRank of every active node of g. Each
// iteration pushes every node's rank along its out-edges, and then
// updates each node from its accumulated contributions. It stops
// when no node's rank changes by more than the tolerance, or after
// the maximum number of iterations. PageRank must be called on every
// host.
func PageRank(ctx context.Context, env *exec.Env, g *Graph[Rank], opts Options) (Result, error) {
	opts = opts.withDefaults()
	h := g.host
	nodes, err := g.LocalNodes(ctx)
	if err != nil {
		return Result{}, err
	}
	err = exec.ForEach(ctx, env.Executor, nodes, func(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[Rank]]) error {
		r, err := g.GetData(ctx, tx, n)
		if err != nil {
			return err
		}
		r.Value = 1
		r.Accum = 0
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	h.Flush()
	if err := env.Barrier(ctx); err != nil {
		return Result{}, err
	}
	var res Result
	for {
		err := exec.ForEach(ctx, env.Executor, nodes, func(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[Rank]]) error {
			// Acquire the whole neighborhood before modifying any of it.
			dsts, err := g.Edges(ctx, tx, n)
			if err != nil || len(dsts) == 0 {
				return err
			}
			src, err := g.GetData(ctx, tx, n)
			if err != nil {
				return err
			}
			delta := src.Value / float64(len(dsts))
			for _, dst := range dsts {
				r, err := g.GetData(ctx, tx, dst)
				if err != nil {
					return err
				}
				r.Accum += delta
			}
			return nil
		})
		if err != nil {
			return res, err
		}
		h.Flush()
		if err := env.Barrier(ctx); err != nil {
			return res, err
		}
		var (
			mu         sync.Mutex
			maxDelta   float64
			smallDelta int
		)
		err = exec.ForEach(ctx, env.Executor, nodes, func(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[Rank]]) error {
			r, err := g.GetData(ctx, tx, n)
			if err != nil {
				return err
			}
			value := (1-opts.Alpha)*r.Accum + opts.Alpha
			diff := math.Abs(value - r.Value)
			r.Value = value
			r.Accum = 0
			mu.Lock()
			if diff <= opts.Tolerance {
				smallDelta++
			}
			if diff > maxDelta {
				maxDelta = diff
			}
			mu.Unlock()
			return nil
		})
		if err != nil {
			return res, err
		}
		// The all-gather also keeps hosts from pushing into the next
		// iteration before every host has updated its nodes.
		deltas, err := exec.AllGather(ctx, env, maxDelta)
		if err != nil {
			return res, err
		}
		res.MaxDelta = 0
		for _, d := range deltas {
			if d > res.MaxDelta {
				res.MaxDelta = d
			}
		}
		res.Iterations++
		if env.ID() == 0 {
			log.Printf("pagerank: iteration %d max delta %g", res.Iterations, res.MaxDelta)
		}
		log.Debug.Printf("pagerank: host %d: small delta %d of %d", env.ID(), smallDelta, len(nodes))
		if res.MaxDelta <= opts.Tolerance {
			res.Converged = true
			return res, nil
		}
		if res.Iterations >= opts.MaxIterations {
			log.Printf("pagerank: failed to converge after %d iterations", res.Iterations)
			return res, nil
		}
	}
}

// Top returns the n highest ranked nodes of the graph, by descending
// rank and then ascending id. Top must be called on every host.
func Top(ctx context.Context, env *exec.Env, g *Graph[Rank], n int) ([]Rank, error) {
	nodes, err := g.LocalNodes(ctx)
	if err != nil {
		return nil, err
	}
	var local []Rank
	for _, p := range nodes {
		r, err := g.GetData(ctx, nil, p)
		if err != nil {
			return nil, err
		}
		local = append(local, *r)
	}
	local = topRanks(local, n)
	perHost, err := exec.AllGather(ctx, env, local)
	if err != nil {
		return nil, err
	}
	var all []Rank
	for _, ranks := range perHost {
		all = append(all, ranks...)
	}
	return topRanks(all, n), nil
}

func topRanks(ranks []Rank, n int) []Rank {
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Value == ranks[j].Value {
			return ranks[i].ID < ranks[j].ID
		}
		return ranks[i].Value > ranks[j].Value
	})
	if len(ranks) > n {
		ranks = ranks[:n]
	}
	return ranks
}

// PageRankJob computes the PageRank of a graph, and logs the
// highest ranked nodes. Its arguments are the path of an edge list
// to load (string); when the path is empty, the number of nodes per
// host (int), the degree of each node (int) and the seed (int64) of
// a random graph to generate; and the maximum number of iterations
// (int).
var PageRankJob = exec.RegisterJob("graph.pagerank", func(ctx context.Context, env *exec.Env, args ...interface{}) error {
	var (
		path                                string
		nodesPerHost, degree, maxIterations int
		seed                                int64
		ok                                  = len(args) == 5
	)
	if ok {
		path, ok = args[0].(string)
	}
	if ok {
		nodesPerHost, ok = args[1].(int)
	}
	if ok {
		degree, ok = args[2].(int)
	}
	if ok {
		seed, ok = args[3].(int64)
	}
	if ok {
		maxIterations, ok = args[4].(int)
	}
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("graph.pagerank: bad arguments %v", args))
	}
	g := New[Rank](env.Host())
	var err error
	if path != "" {
		err = Load(ctx, env, g, path)
	} else {
		err = Generate(ctx, env, g, nodesPerHost, degree, seed)
	}
	if err != nil {
		return err
	}
	res, err := PageRank(ctx, env, g, Options{MaxIterations: maxIterations})
	if err != nil {
		return err
	}
	top, err := Top(ctx, env, g, 10)
	if err != nil {
		return err
	}
	if env.ID() == 0 {
		log.Printf("pagerank: %s", res)
		for i, r := range top {
			log.Printf("pagerank: rank %d: node %d value %g", i+1, r.ID, r.Value)
		}
	}
	return nil
})
