// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the scheduler for bigshare: executors that
// run units of work with retry on conflict, and sessions that run
// jobs on a cluster of hosts, either within a single process or on
// bigmachine machines.
package exec

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigshare/stats"
)

// A cluster provides the hosts of a session.
type cluster interface {
	// Name returns a short name for the cluster type.
	Name() string
	// Start starts the cluster's hosts.
	Start(sess *Session) (shutdown func(), err error)
	// Run runs the job on every host, returning the first error. Runs
	// are numbered by the session.
	Run(ctx context.Context, run uint64, job *Job, args []interface{}) error
	// Stats returns the counters of every host, indexed by host id.
	Stats(ctx context.Context) ([]stats.Values, error)
	// HandleDebug registers the cluster's diagnostic handlers.
	HandleDebug(mux *http.ServeMux)
}

// Session is a set of hosts on which jobs are run. Hosts, and the
// objects they own, persist across the jobs run in a session.
//
// For example:
//
//	func main() {
//		sess, err := exec.Start(exec.Local, exec.Hosts(4))
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer sess.Shutdown()
//		if err := sess.Run(ctx, pageRank, "graph"); err != nil {
//			log.Fatal(err)
//		}
//	}
type Session struct {
	n        int
	p        int
	policy   retry.Policy
	cluster  cluster
	status   *status.Status
	group    *status.Group
	eventer  eventlog.Eventer
	shutdown func()

	tracer    *tracer
	tracePath string
	runs      uint64
}

func newSession() *Session {
	return &Session{eventer: eventlog.Nop{}}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session whose hosts run within this process,
// connected by a network.Fabric.
var Local Option = func(s *Session) {
	s.cluster = newLocalCluster()
}

// Bigmachine configures a session whose hosts each run on a separate
// bigmachine machine of the provided system. If any params are
// provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.cluster = newBigmachineCluster(system, params...)
	}
}

// Hosts configures the number of hosts in the session.
func Hosts(n int) Option {
	if n <= 0 {
		panic("exec.Hosts: n <= 0")
	}
	return func(s *Session) {
		s.n = n
	}
}

// Parallelism configures the number of units of work each host runs
// at a time.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// RetryPolicy configures the backoff applied by local executors
// between retries of conflicting units of work. By default, units
// of work are retried as soon as the conflicting object may have
// been released.
func RetryPolicy(policy retry.Policy) Option {
	return func(s *Session) {
		s.policy = policy
	}
}

// Status configures the session with a status object to which
// host statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer to which session
// and directory events are logged.
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// session is written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Start creates and starts a new session, configured according to
// the provided options. If no cluster is configured, the session
// runs its hosts locally.
func Start(options ...Option) (*Session, error) {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	if s.n == 0 {
		s.n = 1
	}
	if s.p == 0 {
		s.p = runtime.GOMAXPROCS(0)
	}
	if s.cluster == nil {
		s.cluster = newLocalCluster()
	}
	if s.status != nil {
		s.group = s.status.Group("bigshare")
	}
	s.tracer = newTracer()
	shutdown, err := s.cluster.Start(s)
	if err != nil {
		return err
	}
	s.shutdown = shutdown
	s.eventer.Event("bigshare:sessionStart",
		"clusterType", s.cluster.Name(),
		"hosts", s.n,
		"parallelism", s.p)
	return nil
}

// Hosts returns the number of hosts in the session.
func (s *Session) Hosts() int { return s.n }

// Parallelism returns the per-host parallelism of the session.
func (s *Session) Parallelism() int { return s.p }

// Run runs the job on every host of the session, and returns when
// all hosts have completed it, or when any of them fails.
func (s *Session) Run(ctx context.Context, job *Job, args ...interface{}) error {
	s.eventer.Event("bigshare:runStart", "job", job.Name())
	log.Printf("running job %s on %d %s hosts", job.Name(), s.n, s.cluster.Name())
	err := s.cluster.Run(ctx, atomic.AddUint64(&s.runs, 1), job, args)
	if err != nil {
		s.eventer.Event("bigshare:runError", "job", job.Name(), "error", err.Error())
		return err
	}
	s.eventer.Event("bigshare:runDone", "job", job.Name())
	return nil
}

// Stats returns the sum of the counters of all hosts.
func (s *Session) Stats(ctx context.Context) (stats.Values, error) {
	all, err := s.cluster.Stats(ctx)
	if err != nil {
		return nil, err
	}
	total := make(stats.Values)
	for _, vals := range all {
		total.Merge(vals)
	}
	return total, nil
}

// Status returns the session's status, or nil if the session was
// started without one.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers diagnostic http endpoints on the provided
// ServeMux. /debug/trace serves the session's trace, and
// /debug/bigshare/stats reports the counters of every host.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	s.cluster.HandleDebug(mux)
	mux.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
		}
	})
	mux.HandleFunc("/debug/bigshare/stats", func(w http.ResponseWriter, r *http.Request) {
		all, err := s.cluster.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		total := make(stats.Values)
		for i, vals := range all {
			fmt.Fprintf(w, "host %d: %s\n", i, vals)
			total.Merge(vals)
		}
		fmt.Fprintf(w, "total: %s\n", total)
	})
}

// Shutdown stops the session's hosts.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}

// traceArgs returns the trace event arguments for the end of a run:
// the host's counter changes during the run and its error, if any.
func traceArgs(delta stats.Values, err error) []interface{} {
	args := make([]interface{}, 0, 2*len(delta)+2)
	for k, v := range delta {
		args = append(args, k, v)
	}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	return args
}

// hostTask starts a status task for host i, or returns nil if the
// session has no status.
func (s *Session) hostTask(i int) *status.Task {
	if s.group == nil {
		return nil
	}
	return s.group.Start(fmt.Sprintf("host %d", i))
}

func printf(task *status.Task, format string, args ...interface{}) {
	if task != nil {
		task.Printf(format, args...)
	}
}
