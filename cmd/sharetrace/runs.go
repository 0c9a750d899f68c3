// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare/internal/trace"
)

// hostRun is the run of a job on a single host.
type hostRun struct {
	run      int
	job      string
	host     int
	start    time.Duration
	duration time.Duration
	counters map[string]int64
	failed   bool
}

// runStat summarizes the run of a job over all hosts.
type runStat struct {
	run   int
	job   string
	hosts int
	// start is measured as a duration offset from the start of tracing.
	start    time.Duration
	duration time.Duration
	min      time.Duration
	q1       time.Duration
	q2       time.Duration
	q3       time.Duration
	max      time.Duration
	counters map[string]int64
	failed   int
}

// reRun matches the names of "run" events, e.g. "run3:graph.pagerank".
var reRun = regexp.MustCompile(`^run(\d+):(.*)$`)

func buildHostRuns(events []trace.Event) []hostRun {
	var runs []hostRun
	for _, event := range events {
		if event.Cat != "run" || event.Ph != "X" {
			continue
		}
		matches := reRun.FindStringSubmatch(event.Name)
		if matches == nil {
			log.Printf("could not parse name: %#v", event)
			continue
		}
		index, err := strconv.Atoi(matches[1])
		if err != nil {
			log.Printf("could not parse run index from name: %s", event.Name)
			continue
		}
		r := hostRun{
			run:      index,
			job:      matches[2],
			host:     event.Pid - 1,
			start:    time.Duration(event.Ts * 1e3),
			duration: time.Duration(event.Dur * 1e3),
			counters: make(map[string]int64),
		}
		for k, v := range event.Args {
			switch v := v.(type) {
			case float64:
				r.counters[k] = int64(v)
			default:
				if k == "error" {
					r.failed = true
				}
			}
		}
		runs = append(runs, r)
	}
	return runs
}

func buildRunStats(runs []hostRun) []runStat {
	type accum struct {
		job       string
		minStart  time.Duration
		maxEnd    time.Duration
		durations []time.Duration
		counters  map[string]int64
		failed    int
	}
	accums := make(map[int]*accum)
	for _, r := range runs {
		a, ok := accums[r.run]
		if !ok {
			a = &accum{
				job:      r.job,
				minStart: 1<<63 - 1,
				counters: make(map[string]int64),
			}
			accums[r.run] = a
		}
		if r.start < a.minStart {
			a.minStart = r.start
		}
		if end := r.start + r.duration; a.maxEnd < end {
			a.maxEnd = end
		}
		a.durations = append(a.durations, r.duration)
		for k, v := range r.counters {
			a.counters[k] += v
		}
		if r.failed {
			a.failed++
		}
	}
	stats := make([]runStat, 0, len(accums))
	for index, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool {
			return a.durations[i] < a.durations[j]
		})
		// a.durations is non-empty: accumulators are created for runs.
		q1, q2, q3 := quartiles(a.durations)
		stats = append(stats, runStat{
			run:      index,
			job:      a.job,
			hosts:    len(a.durations),
			start:    a.minStart,
			duration: a.maxEnd - a.minStart,
			min:      a.durations[0],
			q1:       q1,
			q2:       q2,
			q3:       q3,
			max:      a.durations[len(a.durations)-1],
			counters: a.counters,
			failed:   a.failed,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].run < stats[j].run })
	return stats
}
