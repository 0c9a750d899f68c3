// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/exec"
	"github.com/grailbio/bigshare/txn"
)

// Build creates an n-node graph whose node u has edges to adj(u).
// Nodes are assigned to hosts in contiguous blocks of ids: with
// k = ceil(n/hosts), host h owns nodes [h*k, (h+1)*k). Every node
// is active. Build must be called on every host with the same
// arguments.
func Build(ctx context.Context, env *exec.Env, g *Graph[Rank], n int, adj func(u int) []int) error {
	per := (n + env.Num() - 1) / env.Num()
	beg, end := env.ID()*per, (env.ID()+1)*per
	if beg > n {
		beg = n
	}
	if end > n {
		end = n
	}
	local := make([]bigshare.Ptr[Node[Rank]], end-beg)
	for i := range local {
		local[i] = g.CreateNode(Rank{ID: beg + i})
	}
	err := exec.ForEach(ctx, env.Executor, local, func(ctx context.Context, tx *txn.Context, p bigshare.Ptr[Node[Rank]]) error {
		return g.AddNode(ctx, tx, p)
	})
	if err != nil {
		return err
	}
	perHost, err := exec.AllGather(ctx, env, local)
	if err != nil {
		return err
	}
	var all []bigshare.Ptr[Node[Rank]]
	for _, nodes := range perHost {
		all = append(all, nodes...)
	}
	if len(all) != n {
		return errors.E(errors.Integrity, fmt.Sprintf("graph.Build: gathered %d nodes, want %d", len(all), n))
	}
	ids := make([]int, end-beg)
	for i := range ids {
		ids[i] = beg + i
	}
	err = exec.ForEach(ctx, env.Executor, ids, func(ctx context.Context, tx *txn.Context, u int) error {
		node, err := g.resolve(ctx, tx, all[u])
		if err != nil {
			return err
		}
		node.Edges = node.Edges[:0]
		for _, v := range adj(u) {
			node.Edges = append(node.Edges, all[v])
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.host.Flush()
	return env.Barrier(ctx)
}

// Generate builds a random graph of nodesPerHost nodes on each host
// of env's session, each with degree out-edges to nodes drawn
// uniformly from the whole graph. The graph is a deterministic
// function of its parameters. Generate must be called on every host.
func Generate(ctx context.Context, env *exec.Env, g *Graph[Rank], nodesPerHost, degree int, seed int64) error {
	if nodesPerHost <= 0 || degree < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("graph.Generate: bad size %d nodes, degree %d", nodesPerHost, degree))
	}
	n := nodesPerHost * env.Num()
	return Build(ctx, env, g, n, func(u int) []int {
		return targets(u, n, degree, seed)
	})
}

// targets returns the edge destinations of node id in a generated
// graph of n nodes.
func targets(id, n, degree int, seed int64) []int {
	r := rand.New(rand.NewSource(seed + int64(id)))
	t := make([]int, degree)
	for i := range t {
		t[i] = r.Intn(n)
	}
	return t
}

// Load builds the graph stored in the edge list at path. Load must
// be called on every host. See ReadEdges for the file format.
func Load(ctx context.Context, env *exec.Env, g *Graph[Rank], path string) error {
	n, adj, err := ReadEdges(ctx, path)
	if err != nil {
		return err
	}
	if env.ID() == 0 {
		log.Printf("graph: loaded %d nodes from %s", n, path)
	}
	return Build(ctx, env, g, n, func(u int) []int { return adj[u] })
}

// ReadEdges reads an edge list: one "src dst" pair of non-negative
// node ids per line. Blank lines and lines beginning with '#' are
// skipped. The graph has as many nodes as its largest id plus one.
// ReadEdges returns the number of nodes and each node's out-edges.
func ReadEdges(ctx context.Context, path string) (n int, adj [][]int, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	scan := bufio.NewScanner(f.Reader(ctx))
	for lineno := 1; scan.Scan(); lineno++ {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return 0, nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: expected 2 fields, got %d", path, lineno, len(fields)))
		}
		var ids [2]int
		for i, field := range fields {
			id, err := strconv.Atoi(field)
			if err != nil || id < 0 {
				return 0, nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: bad node id %q", path, lineno, field))
			}
			ids[i] = id
			if id >= n {
				n = id + 1
			}
		}
		for len(adj) < n {
			adj = append(adj, nil)
		}
		adj[ids[0]] = append(adj[ids[0]], ids[1])
	}
	if err := scan.Err(); err != nil {
		return 0, nil, err
	}
	return n, adj, nil
}
