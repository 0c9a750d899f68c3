// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/stats"
	"golang.org/x/sync/errgroup"
)

// A localCluster runs its hosts in-process, connected by a fabric.
// Each host has its own polling goroutine.
type localCluster struct {
	fabric *network.Fabric
	envs   []*Env
	sess   *Session
}

func newLocalCluster() *localCluster {
	return &localCluster{}
}

func (*localCluster) Name() string { return "local" }

func (l *localCluster) Start(sess *Session) (shutdown func(), err error) {
	l.sess = sess
	l.fabric = network.NewFabric(sess.n)
	ctx, cancel := context.WithCancel(backgroundcontext.Get())
	l.envs = make([]*Env, sess.n)
	for i := range l.envs {
		h := bigshare.NewHost(l.fabric.Endpoint(i), bigshare.WithEventer(sess.eventer))
		h.Start(ctx)
		l.envs[i] = newEnv(h, sess.p, sess.policy)
	}
	return func() {
		for _, env := range l.envs {
			env.Host().Shutdown()
		}
		l.fabric.Close()
		cancel()
	}, nil
}

func (l *localCluster) Run(ctx context.Context, run uint64, job *Job, args []interface{}) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range l.envs {
		i, env := i, l.envs[i]
		task := l.sess.hostTask(i)
		g.Go(func() error {
			printf(task, "running %s", job.Name())
			before := env.Host().Stats()
			l.sess.tracer.Event(i, run, job.Name(), "B")
			err := job.run(ctx, env, args)
			delta := env.Host().Stats().Sub(before)
			l.sess.tracer.Event(i, run, job.Name(), "E", traceArgs(delta, err)...)
			if err != nil {
				printf(task, "%s failed: %v", job.Name(), err)
			} else {
				printf(task, "%s done: %s", job.Name(), delta)
			}
			if task != nil {
				task.Done()
			}
			return err
		})
	}
	return g.Wait()
}

func (l *localCluster) Stats(ctx context.Context) ([]stats.Values, error) {
	vals := make([]stats.Values, len(l.envs))
	for i, env := range l.envs {
		vals[i] = env.Host().Stats()
	}
	return vals, nil
}

func (*localCluster) HandleDebug(*http.ServeMux) {}
