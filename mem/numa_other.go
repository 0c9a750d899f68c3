// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !linux

package mem

import "github.com/grailbio/base/errors"

func onlineNodes() []int { return nil }

func mapInterleaved(n int, nodes []int) ([]byte, error) {
	return nil, errors.E(errors.NotSupported, "mem: NUMA interleaving")
}

func unmap(b []byte) error { return nil }
