// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Sharetrace summarizes the trace written by a bigshare session: for
// each job run, the distribution of its duration over the hosts, and
// the directory counters accumulated by the hosts during the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare/internal/trace"
	"github.com/grailbio/bigshare/stats"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: sharetrace trace-file

Sharetrace prints a summary of the job runs recorded in a bigshare
trace file, as written by sessions configured with exec.TracePath or
served at /debug/trace.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	ctx := context.Background()
	f, err := file.Open(ctx, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	var tr trace.T
	if err := tr.Decode(f.Reader(ctx)); err != nil {
		log.Fatalf("decoding trace %s: %v", flag.Arg(0), err)
	}
	if err := f.Close(ctx); err != nil {
		log.Fatal(err)
	}
	runs := buildRunStats(buildHostRuns(tr.Events))
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "run\tjob\thosts\tstart\tduration\tmin\tq1\tq2\tq3\tmax\trequests\tconflicts\tretries\tfailed")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.run, r.job, r.hosts, r.start, r.duration,
			r.min, r.q1, r.q2, r.q3, r.max,
			r.counters[stats.Requests], r.counters[stats.Conflicts], r.counters[stats.Retries], r.failed)
	}
	tw.Flush()
}
