// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/exec"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/txn"
	"github.com/grailbio/testutil/assert"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func TestGraph(t *testing.T) {
	ctx := testContext(t)
	f := network.NewFabric(2)
	defer f.Close()
	var hosts [2]*bigshare.Host
	for i := range hosts {
		hosts[i] = bigshare.NewHost(f.Endpoint(i))
		hosts[i].Start(ctx)
		defer hosts[i].Shutdown()
	}
	g0, g1 := New[int](hosts[0]), New[int](hosts[1])
	a, b := g0.CreateNode(1), g0.CreateNode(2)
	c := g1.CreateNode(3)

	ok, err := g0.ContainsNode(ctx, nil, a)
	assert.NoError(t, err)
	if ok {
		t.Error("created node is active")
	}
	nodes, err := g0.LocalNodes(ctx)
	assert.NoError(t, err)
	if len(nodes) != 0 {
		t.Errorf("got %v, want no nodes", nodes)
	}

	e0 := exec.NewExecutor(hosts[0], 1, nil)
	e1 := exec.NewExecutor(hosts[1], 1, nil)
	assert.NoError(t, e0.Do(ctx, func(ctx context.Context, tx *txn.Context) error {
		for _, n := range []bigshare.Ptr[Node[int]]{a, b} {
			if err := g0.AddNode(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.NoError(t, e1.Do(ctx, func(ctx context.Context, tx *txn.Context) error {
		return g1.AddNode(ctx, tx, c)
	}))
	// Host 1 adds edges from a remote node.
	assert.NoError(t, e1.Do(ctx, func(ctx context.Context, tx *txn.Context) error {
		for _, dst := range []bigshare.Ptr[Node[int]]{b, c} {
			if err := g1.AddEdge(ctx, tx, a, dst); err != nil {
				return err
			}
		}
		return nil
	}))
	hosts[1].Flush()

	var edges []bigshare.Ptr[Node[int]]
	assert.NoError(t, e0.Do(ctx, func(ctx context.Context, tx *txn.Context) error {
		var err error
		edges, err = g0.Edges(ctx, tx, a)
		return err
	}))
	if got, want := fmt.Sprint(edges), fmt.Sprint([]bigshare.Ptr[Node[int]]{b, c}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	assert.NoError(t, e1.Do(ctx, func(ctx context.Context, tx *txn.Context) error {
		return g1.RemoveNode(ctx, tx, c)
	}))
	assert.NoError(t, e0.Do(ctx, func(ctx context.Context, tx *txn.Context) error {
		var err error
		edges, err = g0.Edges(ctx, tx, a)
		return err
	}))
	if got, want := fmt.Sprint(edges), fmt.Sprint([]bigshare.Ptr[Node[int]]{b}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	d, err := g0.GetData(ctx, nil, b)
	assert.NoError(t, err)
	if got, want := *d, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	nodes, err = g0.LocalNodes(ctx)
	assert.NoError(t, err)
	if got, want := fmt.Sprint(nodes), fmt.Sprint([]bigshare.Ptr[Node[int]]{a, b}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	nodes, err = g1.LocalNodes(ctx)
	assert.NoError(t, err)
	if len(nodes) != 0 {
		t.Errorf("got %v, want no nodes", nodes)
	}
}

func TestTopRanks(t *testing.T) {
	ranks := []Rank{{ID: 3, Value: 1}, {ID: 1, Value: 2}, {ID: 2, Value: 1}, {ID: 0, Value: 0.5}}
	top := topRanks(ranks, 3)
	if got, want := fmt.Sprint(top), fmt.Sprint([]Rank{{ID: 1, Value: 2}, {ID: 2, Value: 1}, {ID: 3, Value: 1}}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// referenceRanks computes PageRank serially.
func referenceRanks(n int, adj func(u int) []int, iterations int) []float64 {
	value := make([]float64, n)
	accum := make([]float64, n)
	for i := range value {
		value[i] = 1
	}
	for it := 0; it < iterations; it++ {
		for u := 0; u < n; u++ {
			dsts := adj(u)
			for _, v := range dsts {
				accum[v] += value[u] / float64(len(dsts))
			}
		}
		for u := range value {
			value[u] = (1-DefaultAlpha)*accum[u] + DefaultAlpha
			accum[u] = 0
		}
	}
	return value
}

const (
	testHosts        = 3
	testNodesPerHost = 20
	testDegree       = 4
	testSeed         = 42
)

var (
	resultsMu sync.Mutex
	results   = make(map[int][]Rank)
	outcomes  = make(map[int]Result)
)

var testPageRank = exec.RegisterJob("graph.testpagerank", func(ctx context.Context, env *exec.Env, args ...interface{}) error {
	opts, path := args[0].(Options), args[1].(string)
	g := New[Rank](env.Host())
	var err error
	if path != "" {
		err = Load(ctx, env, g, path)
	} else {
		err = Generate(ctx, env, g, testNodesPerHost, testDegree, testSeed)
	}
	if err != nil {
		return err
	}
	res, err := PageRank(ctx, env, g, opts)
	if err != nil {
		return err
	}
	nodes, err := g.LocalNodes(ctx)
	if err != nil {
		return err
	}
	var ranks []Rank
	for _, n := range nodes {
		r, err := g.GetData(ctx, nil, n)
		if err != nil {
			return err
		}
		ranks = append(ranks, *r)
	}
	resultsMu.Lock()
	results[env.ID()] = ranks
	outcomes[env.ID()] = res
	resultsMu.Unlock()
	// Hosts keep serving each other's requests until all are done.
	return env.Barrier(ctx)
})

func runPageRank(t *testing.T, opts Options, path string) {
	t.Helper()
	resultsMu.Lock()
	results = make(map[int][]Rank)
	outcomes = make(map[int]Result)
	resultsMu.Unlock()
	sess, err := exec.Start(exec.Local, exec.Hosts(testHosts), exec.Parallelism(2))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	if err := sess.Run(testContext(t), testPageRank, opts, path); err != nil {
		t.Fatal(err)
	}
}

func TestPageRank(t *testing.T) {
	const iterations = 5
	runPageRank(t, Options{Tolerance: -1, MaxIterations: iterations}, "")
	const n = testHosts * testNodesPerHost
	want := referenceRanks(n, func(u int) []int {
		return targets(u, n, testDegree, testSeed)
	}, iterations)
	for host := 0; host < testHosts; host++ {
		if got := outcomes[host]; got.Iterations != iterations || got.Converged {
			t.Errorf("host %d: bad result %v", host, got)
		}
		ranks := results[host]
		if got, want := len(ranks), testNodesPerHost; got != want {
			t.Fatalf("host %d: got %v, want %v", host, got, want)
		}
		for _, r := range ranks {
			if math.Abs(r.Value-want[r.ID]) > 1e-9 {
				t.Errorf("node %d: got %v, want %v", r.ID, r.Value, want[r.ID])
			}
			if r.ID/testNodesPerHost != host {
				t.Errorf("node %d on host %d", r.ID, host)
			}
		}
	}
}

func TestPageRankConverges(t *testing.T) {
	runPageRank(t, Options{}, "")
	for host := 0; host < testHosts; host++ {
		res := outcomes[host]
		if !res.Converged || res.MaxDelta > DefaultTolerance {
			t.Errorf("host %d: bad result %v", host, res)
		}
		if res != outcomes[0] {
			t.Errorf("host %d: result %v differs from host 0's %v", host, res, outcomes[0])
		}
	}
}

func TestReadEdges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edges")
	const edges = `# a small graph
0 1
0 2

2 0
4 1
`
	assert.NoError(t, os.WriteFile(path, []byte(edges), 0644))
	n, adj, err := ReadEdges(testContext(t), path)
	assert.NoError(t, err)
	if got, want := n, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fmt.Sprint(adj), "[[1 2] [] [0] [] [1]]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	assert.NoError(t, os.WriteFile(path, []byte("0 1\n1 x\n"), 0644))
	if _, _, err := ReadEdges(testContext(t), path); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestPageRankLoad(t *testing.T) {
	const (
		n          = 7
		iterations = 4
	)
	// A ring with chords; node 6 has no out-edges.
	var (
		b   strings.Builder
		adj = make([][]int, n)
	)
	for u := 0; u < n-1; u++ {
		adj[u] = append(adj[u], (u+1)%n, (u+3)%n)
	}
	for u, dsts := range adj {
		for _, v := range dsts {
			fmt.Fprintf(&b, "%d %d\n", u, v)
		}
	}
	path := filepath.Join(t.TempDir(), "edges")
	assert.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	runPageRank(t, Options{Tolerance: -1, MaxIterations: iterations}, path)
	want := referenceRanks(n, func(u int) []int { return adj[u] }, iterations)
	var count int
	for host := 0; host < testHosts; host++ {
		for _, r := range results[host] {
			count++
			if math.Abs(r.Value-want[r.ID]) > 1e-9 {
				t.Errorf("node %d: got %v, want %v", r.ID, r.Value, want[r.ID])
			}
		}
	}
	if got, want := count, n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
