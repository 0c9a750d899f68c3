// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package graph implements a graph whose nodes are shared objects
// distributed among the hosts of a session. Each host stores the
// nodes it creates; edges may point to nodes on any host.
//
// Node membership is explicit: a created node is inactive until it
// is added to the graph, and removing a node deactivates it and
// drops its edges. Edges to inactive nodes are skipped.
package graph

import (
	"context"
	"sync"

	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/txn"
)

// Node is a graph node carrying data of type D.
type Node[D any] struct {
	bigshare.Shared
	Data   D
	Active bool
	Edges  []bigshare.Ptr[Node[D]]
}

// Graph is one host's view of a distributed graph.
type Graph[D any] struct {
	host *bigshare.Host

	mu    sync.Mutex
	local []bigshare.Ptr[Node[D]]
}

// New returns a new, empty graph on host h.
func New[D any](h *bigshare.Host) *Graph[D] {
	return &Graph[D]{host: h}
}

// Host returns the graph's host.
func (g *Graph[D]) Host() *bigshare.Host { return g.host }

// CreateNode creates a new, inactive node owned by the graph's host.
func (g *Graph[D]) CreateNode(data D) bigshare.Ptr[Node[D]] {
	p := bigshare.NewPtr(g.host, &Node[D]{Data: data})
	g.mu.Lock()
	g.local = append(g.local, p)
	g.mu.Unlock()
	return p
}

func (g *Graph[D]) resolve(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[D]]) (*Node[D], error) {
	return bigshare.Resolve(ctx, g.host, tx, n)
}

// AddNode activates node n.
func (g *Graph[D]) AddNode(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[D]]) error {
	node, err := g.resolve(ctx, tx, n)
	if err != nil {
		return err
	}
	node.Active = true
	return nil
}

// RemoveNode deactivates node n and drops its edges.
func (g *Graph[D]) RemoveNode(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[D]]) error {
	node, err := g.resolve(ctx, tx, n)
	if err != nil {
		return err
	}
	if node.Active {
		node.Active = false
		node.Edges = nil
	}
	return nil
}

// AddEdge adds an edge from src to dst.
func (g *Graph[D]) AddEdge(ctx context.Context, tx *txn.Context, src, dst bigshare.Ptr[Node[D]]) error {
	node, err := g.resolve(ctx, tx, src)
	if err != nil {
		return err
	}
	node.Edges = append(node.Edges, dst)
	return nil
}

// Edges returns the active destinations of n's edges. Within an
// active context, n and every destination are acquired, so that the
// caller may then modify any of them. Destinations owned by other
// hosts are prefetched together before any of them is resolved.
func (g *Graph[D]) Edges(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[D]]) ([]bigshare.Ptr[Node[D]], error) {
	node, err := g.resolve(ctx, tx, n)
	if err != nil {
		return nil, err
	}
	for _, dst := range node.Edges {
		bigshare.Prefetch(g.host, dst)
	}
	var active []bigshare.Ptr[Node[D]]
	for _, dst := range node.Edges {
		d, err := g.resolve(ctx, tx, dst)
		if err != nil {
			return nil, err
		}
		if d.Active {
			active = append(active, dst)
		}
	}
	return active, nil
}

// GetData returns a pointer to n's data.
func (g *Graph[D]) GetData(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[D]]) (*D, error) {
	node, err := g.resolve(ctx, tx, n)
	if err != nil {
		return nil, err
	}
	return &node.Data, nil
}

// ContainsNode tells whether n is active.
func (g *Graph[D]) ContainsNode(ctx context.Context, tx *txn.Context, n bigshare.Ptr[Node[D]]) (bool, error) {
	node, err := g.resolve(ctx, tx, n)
	if err != nil {
		return false, err
	}
	return node.Active, nil
}

// LocalNodes returns the active nodes created on this host, in
// creation order.
func (g *Graph[D]) LocalNodes(ctx context.Context) ([]bigshare.Ptr[Node[D]], error) {
	g.mu.Lock()
	all := append([]bigshare.Ptr[Node[D]](nil), g.local...)
	g.mu.Unlock()
	var nodes []bigshare.Ptr[Node[D]]
	for _, p := range all {
		ok, err := g.ContainsNode(ctx, nil, p)
		if err != nil {
			return nil, err
		}
		if ok {
			nodes = append(nodes, p)
		}
	}
	return nodes, nil
}
