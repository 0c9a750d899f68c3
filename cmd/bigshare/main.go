// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigshare manages the bigshare configuration profile read
// by shareconfig.Parse.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Bigshare is a tool for managing Bigshare configuration.

Usage:

	bigshare <command> [arguments]

The commands are:

	setup-ec2   configure EC2 for use with Bigshare
	config      print the configuration profile
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "setup-ec2":
		setupEc2Cmd(args)
	case "config":
		configCmd(args)
	}
}
