// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/bigshare/internal/trace"
)

// A tracer tracks the runs of jobs on the hosts of a session. Trace
// events are logged in the Chrome tracing format and can be
// visualized using its built-in visualization tool
// (chrome://tracing). Each host is represented as a Chrome
// "process".
//
// To produce easier to interpret visualizations, tracer assigns
// generated virtual "thread IDs" to trace events, and events are
// also coalesced into "complete events" (X) at the time of rendering.
type tracer struct {
	mu sync.Mutex

	events    []trace.Event
	runEvents map[runKey][]trace.Event

	hostPids     map[int]bool
	hostTidPools map[int]tidPool

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

// tidPool is a pool of (virtual) thread IDs that we use to assign Tids to
// events. This makes visualization with the Chrome tracing tool much nicer, as
// concurrent events are shown on their own rows. The length of the pool is the
// maximum number of B events without a matching E event. The indexes of the
// slices are the Tids that we allocate, their corresponding value indicating
// whether it is considered available for allocation.
type tidPool []bool

// runKey identifies the run of a job on a host.
type runKey struct {
	host int
	run  uint64
}

func newTracer() *tracer {
	return &tracer{
		runEvents:    make(map[runKey][]trace.Event),
		hostPids:     make(map[int]bool),
		hostTidPools: make(map[int]tidPool),
	}
}

// Event logs an event for the run numbered run of job on the
// provided host; ph is as in Chrome's tracing format. Arguments is
// list of interleaved key-value pairs that are attached as event
// metadata. Args must be of even length.
func (t *tracer) Event(host int, run uint64, job string, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("trace.Event: invalid arguments")
	}
	var event trace.Event
	event.Args = make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	event.Ph = ph
	event.Name = fmt.Sprintf("run%d:%s", run, job)
	event.Cat = "run"
	event.Pid = host + 1
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
		event.Ts = 0
	} else {
		event.Ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	if !t.hostPids[host] {
		t.hostPids[host] = true
		// Attach "process" name metadata so that hosts are identified.
		t.events = append(t.events, trace.Event{
			Pid:  event.Pid,
			Ts:   event.Ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{
				"name": fmt.Sprintf("host %d", host),
			},
		})
	}
	key := runKey{host, run}
	t.assignTid(host, ph, t.runEvents[key], &event)
	t.runEvents[key] = append(t.runEvents[key], event)
}

// assignTid assigns a thread ID to event, using host's tid pool and
// the type of event. events is the slice of existing events of the
// same run.
func (t *tracer) assignTid(host int, ph string, events []trace.Event, event *trace.Event) {
	event.Tid = 0
	tidPool := t.hostTidPools[host]
	switch ph {
	case "B":
		event.Tid = tidPool.Acquire()
		t.hostTidPools[host] = tidPool
	case "E":
		if len(events) == 0 {
			break
		}
		lastEvent := events[len(events)-1]
		if lastEvent.Ph != "B" {
			break
		}
		event.Tid = lastEvent.Tid
		tidPool.Release(event.Tid)
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]trace.Event, len(t.events))
	copy(events, t.events)
	for _, v := range t.runEvents {
		events = appendCoalesce(events, v)
	}
	t.mu.Unlock()
	tr := trace.T{Events: events}
	return tr.Encode(w)
}

// appendCoalesce appends a set of events on the provided list,
// first coalescing events so that "B" and "E" events are matched
// into a single "X" event. This produces more visually compact (and
// useful) trace visualizations. appendCoalesce also prunes orphan
// events.
func appendCoalesce(list []trace.Event, events []trace.Event) []trace.Event {
	var begIndex = -1
	for _, event := range events {
		if event.Ph == "B" && begIndex < 0 {
			begIndex = len(list)
		}
		if event.Ph == "E" && begIndex >= 0 {
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[begIndex].Args[k]; !ok {
					list[begIndex].Args[k] = v
				}
			}
			begIndex = -1
		} else if event.Ph != "E" {
			list = append(list, event)
		} // drop unmatched "E"s
	}
	if begIndex >= 0 {
		// We have an unmatched "B". Drop it.
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}

// Acquire acquires an available thread ID from pool p. Thread IDs are
// sequential and 1-indexed, preserving 0 for events without meaningful thread
// IDs.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	// Nothing available in the pool, so grow it.
	tid := len(*p)
	*p = append(*p, false)
	return tid + 1
}

// Release releases a tid, a thread ID previously acquired in Acquire. This
// makes it available to be returned from a future call to Acquire.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}
