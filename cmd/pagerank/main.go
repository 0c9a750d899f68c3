// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Pagerank is a bigshare demo program that computes the PageRank of
// a graph whose nodes are distributed among the hosts of a session.
// The graph is either loaded from an edge list, or generated at
// random.
//
//	pagerank -hosts=4 -nodes=100000 -degree=8
//	pagerank -system=local -hosts=2 -graph=edges.txt
package main

import (
	"context"
	"flag"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare/exec"
	"github.com/grailbio/bigshare/graph"
	"github.com/grailbio/bigshare/sharecmd"
)

func main() {
	var (
		path       = flag.String("graph", "", "edge list to load; a random graph is generated if empty")
		nodes      = flag.Int("nodes", 10000, "number of nodes per host of a generated graph")
		degree     = flag.Int("degree", 8, "out-degree of the nodes of a generated graph")
		seed       = flag.Int64("seed", 1, "seed of a generated graph")
		iterations = flag.Int("iterations", graph.DefaultMaxIterations, "maximum number of iterations")
	)
	sharecmd.Main(func(sess *exec.Session, args []string) error {
		ctx := context.Background()
		start := time.Now()
		if err := sess.Run(ctx, graph.PageRankJob, *path, *nodes, *degree, *seed, *iterations); err != nil {
			return err
		}
		vals, err := sess.Stats(ctx)
		if err != nil {
			return err
		}
		log.Printf("pagerank: done in %s: %s", time.Since(start), vals)
		return nil
	})
}
