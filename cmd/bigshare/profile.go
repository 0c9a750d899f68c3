// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigshare/shareconfig"

	// We bring these in so that the printed profile shows every
	// default.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	_ "github.com/grailbio/bigshare/exec"
)

// readProfile reads the profile at path, which need not exist.
func readProfile(path string) *config.Profile {
	profile := config.New()
	f, err := os.Open(path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	return profile
}

// writeProfile atomically replaces the profile at path.
func writeProfile(profile *config.Profile, path string) {
	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(path), 0777))
	tmp := path + ".tmp"
	must.Nil(os.WriteFile(tmp, buf.Bytes(), 0666))
	must.Nil(os.Rename(tmp, path))
}

func configCmd(args []string) {
	flags := flag.NewFlagSet("bigshare config", flag.ExitOnError)
	flags.Parse(args)
	must.Nil(readProfile(shareconfig.Path).PrintTo(os.Stdout))
}
