// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build linux

package mem

import (
	"io/ioutil"
	"unsafe"

	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

const mpolInterleave = 3

// onlineNodes returns the ids of the online NUMA nodes, or nil if
// they cannot be determined.
func onlineNodes() []int {
	p, err := ioutil.ReadFile("/sys/devices/system/node/online")
	if err != nil {
		return nil
	}
	return parseNodes(string(p))
}

func mapInterleaved(n int, nodes []int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	mask, maxnode := nodeMask(nodes)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)),
		mpolInterleave, uintptr(unsafe.Pointer(&mask)), uintptr(maxnode), 0)
	if errno != 0 {
		// The mapping is still usable; it just isn't interleaved.
		log.Debug.Printf("mem: mbind: %v", errno)
	}
	return b, nil
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}
