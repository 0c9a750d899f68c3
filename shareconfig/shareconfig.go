// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shareconfig provides a mechanism to create a bigshare
// session from a shared configuration. Shareconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigshare/config.
package shareconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigshare/exec"
)

// Path determines the location of the bigshare profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.bigshare/config")

// Parse registers configuration flags, bigshare flags, and calls
// flag.Parse. It reads bigshare configuration from Path defined in
// this package. Parse returns session as configured by the
// configuration and any flags provided, and a func that shuts it
// down. Parse panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigshare", &sess)
	return sess, sess.Shutdown
}
