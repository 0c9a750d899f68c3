// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/stats"
	"golang.org/x/sync/errgroup"
)

// serviceName is the name of the bigmachine service run by each
// machine of a bigmachine cluster.
const serviceName = "Bigshare"

func init() {
	gob.Register(&worker{})
}

// A bigmachineCluster runs one host on each of a set of bigmachine
// machines. Machines are started with the session and are not
// replaced if they fail: the network is assumed reliable.
type bigmachineCluster struct {
	system bigmachine.System
	params []bigmachine.Param

	b        *bigmachine.B
	machines []*bigmachine.Machine
	sess     *Session
}

func newBigmachineCluster(system bigmachine.System, params ...bigmachine.Param) *bigmachineCluster {
	return &bigmachineCluster{system: system, params: params}
}

func (*bigmachineCluster) Name() string { return "bigmachine" }

func (c *bigmachineCluster) Start(sess *Session) (shutdown func(), err error) {
	c.sess = sess
	c.b = bigmachine.Start(c.system)
	ctx := context.Background()
	params := append([]bigmachine.Param{bigmachine.Services{serviceName: &worker{}}}, c.params...)
	log.Printf("starting %d bigmachines", sess.n)
	machines, err := c.b.Start(ctx, sess.n, params...)
	if err != nil {
		c.b.Shutdown()
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		m, task := machines[i], sess.hostTask(i)
		printf(task, "waiting for machine to boot")
		g.Go(func() error {
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				printf(task, "failed to start: %v", err)
				return err
			}
			if task != nil {
				task.Title(m.Addr)
			}
			printf(task, "running")
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.b.Shutdown()
		return nil, err
	}
	c.machines = machines
	addrs := make([]string, len(machines))
	for i, m := range machines {
		addrs[i] = m.Addr
	}
	g, ctx = errgroup.WithContext(context.Background())
	for i := range machines {
		i, m := i, machines[i]
		g.Go(func() error {
			req := setupRequest{ID: i, Addrs: addrs, Parallelism: sess.p}
			return m.RetryCall(ctx, serviceName+".Setup", req, nil)
		})
	}
	if err := g.Wait(); err != nil {
		c.b.Shutdown()
		return nil, err
	}
	return c.b.Shutdown, nil
}

func (c *bigmachineCluster) Run(ctx context.Context, run uint64, job *Job, args []interface{}) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.machines {
		i, m, task := i, c.machines[i], c.sess.hostTask(i)
		g.Go(func() error {
			printf(task, "%s: running %s", m.Addr, job.Name())
			c.sess.tracer.Event(i, run, job.Name(), "B", "addr", m.Addr)
			var delta stats.Values
			err := m.Call(ctx, serviceName+".Run", runRequest{Job: job.Name(), Args: args}, &delta)
			c.sess.tracer.Event(i, run, job.Name(), "E", traceArgs(delta, err)...)
			if err != nil {
				printf(task, "%s: %s failed: %v", m.Addr, job.Name(), err)
				return err
			}
			printf(task, "%s: %s done: %s", m.Addr, job.Name(), delta)
			return nil
		})
	}
	return g.Wait()
}

func (c *bigmachineCluster) Stats(ctx context.Context) ([]stats.Values, error) {
	vals := make([]stats.Values, len(c.machines))
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.machines {
		i, m := i, c.machines[i]
		g.Go(func() error {
			return m.Call(ctx, serviceName+".Stats", struct{}{}, &vals[i])
		})
	}
	return vals, g.Wait()
}

func (c *bigmachineCluster) HandleDebug(mux *http.ServeMux) {
	c.b.HandleDebug(mux)
}

type setupRequest struct {
	ID          int
	Addrs       []string
	Parallelism int
}

type runRequest struct {
	Job  string
	Args []interface{}
}

// A worker is the bigmachine service that runs a host on a machine.
// It delivers network messages addressed to the host and runs jobs
// on its behalf.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu  sync.Mutex
	net *network.Machine
	env *Env
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	return nil
}

// Setup creates the machine's host. Setup is idempotent.
func (w *worker) Setup(ctx context.Context, req setupRequest, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.env != nil {
		if w.env.ID() != req.ID {
			return errors.E(errors.Precondition, fmt.Sprintf("worker already set up as host %d", w.env.ID()))
		}
		return nil
	}
	p := req.Parallelism
	if p <= 0 {
		p = w.b.System().Maxprocs()
	}
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}
	// The transport and host outlive the setup call.
	hostctx := context.Background()
	w.net = network.NewMachine(hostctx, w.b, serviceName, req.ID, req.Addrs)
	h := bigshare.NewHost(w.net)
	h.Start(hostctx)
	w.env = newEnv(h, p, nil)
	log.Printf("host %d of %d is set up", req.ID, len(req.Addrs))
	return nil
}

// Deliver delivers a network message to the machine's host.
func (w *worker) Deliver(ctx context.Context, env network.Envelope, _ *struct{}) error {
	w.mu.Lock()
	net := w.net
	w.mu.Unlock()
	if net == nil {
		return errors.E(errors.Precondition, "worker is not set up")
	}
	net.Deliver(env)
	return nil
}

// Run runs a job on the machine's host, returning the changes to
// the host's counters during the run.
func (w *worker) Run(ctx context.Context, req runRequest, reply *stats.Values) error {
	w.mu.Lock()
	env := w.env
	w.mu.Unlock()
	if env == nil {
		return errors.E(errors.Precondition, "worker is not set up")
	}
	job, err := lookupJob(req.Job)
	if err != nil {
		return err
	}
	before := env.Host().Stats()
	if err := job.run(ctx, env, req.Args); err != nil {
		return err
	}
	*reply = env.Host().Stats().Sub(before)
	return nil
}

// Stats returns the counters of the machine's host.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	w.mu.Lock()
	env := w.env
	w.mu.Unlock()
	if env == nil {
		*values = make(stats.Values)
		return nil
	}
	*values = env.Host().Stats()
	return nil
}
