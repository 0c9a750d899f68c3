// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A JobFunc is the body of a job. It runs on every host of a
// session, with that host's environment.
type JobFunc func(ctx context.Context, env *Env, args ...interface{}) error

// A Job is a named, registered JobFunc. Jobs are looked up by name
// on remote machines, so they must be registered by every binary
// participating in a session, before the session is started:
// typically as global variables.
//
//	var pageRank = exec.RegisterJob("pagerank", func(ctx context.Context, env *exec.Env, args ...interface{}) error {
//		...
//	})
//
// Arguments are passed to remote machines with encoding/gob, so
// non-basic argument types must be registered with gob.
type Job struct {
	name string
	fn   JobFunc
}

// Name returns the job's name.
func (j *Job) Name() string { return j.name }

var (
	jobsMu sync.Mutex
	jobs   = make(map[string]*Job)
)

// RegisterJob registers fn as the job with the provided name.
// RegisterJob panics if a job with the same name is already
// registered.
func RegisterJob(name string, fn JobFunc) *Job {
	jobsMu.Lock()
	defer jobsMu.Unlock()
	if _, ok := jobs[name]; ok {
		log.Panicf("exec.RegisterJob: job %q is already registered", name)
	}
	j := &Job{name, fn}
	jobs[name] = j
	return j
}

func lookupJob(name string) (*Job, error) {
	jobsMu.Lock()
	defer jobsMu.Unlock()
	j := jobs[name]
	if j == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("exec: job %q is not registered", name))
	}
	return j, nil
}

// run runs the job on env, turning panics into fatal errors.
func (j *Job) run(ctx context.Context, env *Env, args []interface{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("job %s panic on host %d: %v\n%s", j.name, env.ID(), e, debug.Stack()))
		}
	}()
	return j.fn(ctx, env, args...)
}
