// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigshare"
	"github.com/grailbio/bigshare/stats"
	"github.com/grailbio/bigshare/txn"
)

func init() {
	log.AddFlags()
}

const testHostCount = 3

var executors = map[string]func() Option{
	"Local": func() Option { return Local },
	"Bigmachine.Test": func() Option {
		return Bigmachine(testsystem.New())
	},
}

func testSession(t *testing.T, run func(t *testing.T, sess *Session)) {
	t.Helper()
	for name, opt := range executors {
		t.Run(name, func(t *testing.T) {
			sess, err := Start(opt(), Hosts(testHostCount), Parallelism(2))
			if err != nil {
				t.Fatal(err)
			}
			defer sess.Shutdown()
			run(t, sess)
		})
	}
}

var (
	gatherJob = RegisterJob("test.gather", func(ctx context.Context, env *Env, args ...interface{}) error {
		ids, err := AllGather(ctx, env, env.ID()*10)
		if err != nil {
			return err
		}
		if len(ids) != env.Num() {
			return fmt.Errorf("got %d values, want %d", len(ids), env.Num())
		}
		for i, id := range ids {
			if id != i*10 {
				return fmt.Errorf("host %d: value %d: got %d", env.ID(), i, id)
			}
		}
		return nil
	})

	// ringJob has every host increment every host's cell once per
	// round, and checks the totals at the owners.
	ringJob = RegisterJob("test.ring", func(ctx context.Context, env *Env, args ...interface{}) error {
		const rounds = 10
		h := env.Host()
		mine := bigshare.NewPtr(h, &cell{})
		ptrs, err := AllGather(ctx, env, mine)
		if err != nil {
			return err
		}
		var work []bigshare.Ptr[cell]
		for i := 0; i < rounds; i++ {
			work = append(work, ptrs...)
		}
		err = ForEach(ctx, env.Executor, work, func(ctx context.Context, tx *txn.Context, p bigshare.Ptr[cell]) error {
			c, err := bigshare.Resolve(ctx, h, tx, p)
			if err != nil {
				return err
			}
			c.N++
			return nil
		})
		if err != nil {
			return err
		}
		h.Flush()
		if err := env.Barrier(ctx); err != nil {
			return err
		}
		c, err := bigshare.Resolve(ctx, h, nil, mine)
		if err != nil {
			return err
		}
		if got, want := c.N, rounds*env.Num(); got != want {
			return fmt.Errorf("host %d: got %d, want %d", env.ID(), got, want)
		}
		// Keep every host's cell in place until all hosts have checked
		// their own.
		return env.Barrier(ctx)
	})

	argsJob = RegisterJob("test.args", func(ctx context.Context, env *Env, args ...interface{}) error {
		if len(args) != 2 {
			return fmt.Errorf("got %d args", len(args))
		}
		if n, ok := args[0].(int); !ok || n != 123 {
			return fmt.Errorf("bad first argument %v", args[0])
		}
		if s, ok := args[1].(string); !ok || s != "hello" {
			return fmt.Errorf("bad second argument %v", args[1])
		}
		return nil
	})

	errorJob = RegisterJob("test.error", func(ctx context.Context, env *Env, args ...interface{}) error {
		if env.ID() == 1 {
			return errors.E(errors.Invalid, "host 1 failed")
		}
		return nil
	})

	panicJob = RegisterJob("test.panic", func(ctx context.Context, env *Env, args ...interface{}) error {
		if env.ID() == 0 {
			panic("host 0 panicked")
		}
		return nil
	})
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionGather(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		ctx := testContext(t)
		// Rounds are independent.
		for i := 0; i < 3; i++ {
			if err := sess.Run(ctx, gatherJob); err != nil {
				t.Fatal(err)
			}
		}
	})
}

func TestSessionRing(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		ctx := testContext(t)
		if err := sess.Run(ctx, ringJob); err != nil {
			t.Fatal(err)
		}
		vals, err := sess.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if vals[stats.Requests] == 0 {
			t.Errorf("no remote requests: %s", vals)
		}
		if got, want := vals[stats.ObjectsSent], vals[stats.ObjectsReceived]; got != want {
			t.Errorf("sent %d objects, received %d", got, want)
		}
	})
}

func TestSessionArgs(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		if err := sess.Run(testContext(t), argsJob, 123, "hello"); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSessionError(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		ctx := testContext(t)
		if err := sess.Run(ctx, errorJob); err == nil {
			t.Error("expected error")
		}
		if err := sess.Run(ctx, panicJob); err == nil {
			t.Error("expected error")
		}
		// The session remains usable.
		if err := sess.Run(ctx, gatherJob); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLocalErrorKind(t *testing.T) {
	sess, err := Start(Local, Hosts(2))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	ctx := testContext(t)
	if err := sess.Run(ctx, errorJob); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := sess.Run(ctx, panicJob); err == nil || errors.Recover(err).Severity != errors.Fatal {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestSessionDefaults(t *testing.T) {
	sess, err := Start()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	if got, want := sess.Hosts(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if sess.Parallelism() <= 0 {
		t.Errorf("bad parallelism %d", sess.Parallelism())
	}
	if err := sess.Run(testContext(t), ringJob); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterJobDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	RegisterJob("test.gather", nil)
}

func TestLookupJob(t *testing.T) {
	if _, err := lookupJob("test.nonexistent"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	j, err := lookupJob("test.ring")
	if err != nil {
		t.Fatal(err)
	}
	if j != ringJob {
		t.Error("wrong job")
	}
}
