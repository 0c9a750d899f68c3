// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"
	"time"

	"github.com/grailbio/bigshare/internal/trace"
)

func TestRunStats(t *testing.T) {
	events := []trace.Event{
		{Pid: 1, Ph: "M", Name: "process_name"},
		{Pid: 1, Ph: "X", Cat: "run", Name: "run1:job", Ts: 0, Dur: 100, Args: map[string]interface{}{"requests": 2.0}},
		{Pid: 2, Ph: "X", Cat: "run", Name: "run1:job", Ts: 10, Dur: 300, Args: map[string]interface{}{"requests": 3.0, "error": "failed"}},
		{Pid: 1, Ph: "X", Cat: "run", Name: "run2:other", Ts: 500, Dur: 50, Args: map[string]interface{}{}},
		{Pid: 1, Ph: "X", Cat: "run", Name: "bad", Ts: 500, Dur: 50},
	}
	stats := buildRunStats(buildHostRuns(events))
	if got, want := len(stats), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	r := stats[0]
	if r.run != 1 || r.job != "job" || r.hosts != 2 || r.failed != 1 {
		t.Errorf("bad run %+v", r)
	}
	if got, want := r.duration, 310*time.Microsecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.min, 100*time.Microsecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.max, 300*time.Microsecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.counters["requests"], int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats[1].job, "other"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
