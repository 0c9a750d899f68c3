// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"runtime"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigshare", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.n, "hosts", 1, "number of hosts in the session")
		inst.IntVar(&sess.p, "parallelism", runtime.GOMAXPROCS(0), "number of units of work run at a time by each host")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which hosts run; hosts run in-process if empty")
		inst.Doc = "bigshare configures the bigshare runtime"
		inst.New = func() (interface{}, error) {
			if system != nil {
				sess.cluster = newBigmachineCluster(system)
			} else {
				sess.cluster = newLocalCluster()
			}
			if err := sess.start(); err != nil {
				return nil, err
			}
			return sess, nil
		}
	})
}
