// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sharecmd provides utilities for implementing
// bigshare-based command line tools. The main entry point,
// sharecmd.Main, configures bigshare according to a common set of
// flags, and then invokes the user's driver code.
//
// A sharecmd tool follows this form:
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		sharecmd.Main(func(sess *exec.Session, args []string) error {
//			ctx := context.Background()
//			if err := sess.Run(ctx, myJob); err != nil {
//				return err
//			}
//			// Do something else...
//			return nil
//		})
//	}
package sharecmd

import (
	"flag"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigshare/exec"
	"github.com/grailbio/bigshare/shareflags"
)

// Main is a convenient entry point for a sharecmd. Main does not return;
// it should be called after other initialization is performed. Main
// parses (global) flags, and configures bigshare accordingly. Main
// then invokes the provided func with a bigshare session on which
// jobs can be run. Main also passes the unparsed arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// bigmachine's aggregated pprof handlers and host counters.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl shareflags.Flags
	shareflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init initializes bigshare according to the supplied flags.
func Init(bf shareflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		shareflags.WriteSystemHelp(bf.Output())
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess, err := exec.Start(options...)
	if err != nil {
		return nil, err
	}
	DisplayStatus(bf, sess)
	return sess, nil
}

// DisplayStatus arranges for the bigshare host status to be
// displayed on the console and/or a web page depending on the flags
// specified on the command line. The web page is hosted /debug/status
// and http.DefaultServeMux.
func DisplayStatus(bf shareflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus && sess.Status() != nil {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		if sess.Status() != nil {
			http.Handle("/debug/status", status.Handler(sess.Status()))
		}
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
