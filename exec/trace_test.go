// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/bigshare/internal/trace"
)

func TestTracer(t *testing.T) {
	tr := newTracer()
	tr.Event(0, 1, "job", "B")
	tr.Event(1, 1, "job", "B")
	tr.Event(0, 1, "job", "E", "requests", 3)
	tr.Event(1, 1, "job", "E", "error", "failed")
	// An unmatched begin is pruned.
	tr.Event(0, 2, "job", "B")
	var b bytes.Buffer
	if err := tr.Marshal(&b); err != nil {
		t.Fatal(err)
	}
	var decoded trace.T
	if err := decoded.Decode(&b); err != nil {
		t.Fatal(err)
	}
	var meta, complete int
	for _, e := range decoded.Events {
		switch e.Ph {
		case "M":
			meta++
		case "X":
			complete++
			if got, want := e.Name, "run1:job"; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if e.Dur <= 0 {
				t.Errorf("bad duration %d", e.Dur)
			}
			if e.Tid != 1 {
				t.Errorf("bad tid %d", e.Tid)
			}
		default:
			t.Errorf("unexpected event %+v", e)
		}
	}
	if got, want := meta, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := complete, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTidPool(t *testing.T) {
	var p tidPool
	if got, want := p.Acquire(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Acquire(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	p.Release(1)
	if got, want := p.Acquire(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")
	sess, err := Start(Local, Hosts(2), TracePath(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Run(testContext(t), ringJob); err != nil {
		t.Fatal(err)
	}
	sess.Shutdown()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var tr trace.T
	if err := tr.Decode(f); err != nil {
		t.Fatal(err)
	}
	hosts := make(map[int]bool)
	for _, e := range tr.Events {
		if e.Ph == "X" && e.Name == "run1:test.ring" {
			hosts[e.Pid] = true
		}
	}
	if got, want := len(hosts), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
