// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigshare

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/serial"
)

// Landing pads of the directory protocol. Every message starts with
// the address of the object it concerns; the owner is implied by the
// sender or receiver.
var (
	// padRequest asks the owner for an object (remote -> owner).
	padRequest = network.Pad("bigshare.request")
	// padObject carries an object's state (owner -> remote).
	padObject = network.Pad("bigshare.object")
	// padMissing reports an unknown address (owner -> remote).
	padMissing = network.Pad("bigshare.missing")
	// padRecall asks for a cached proxy back (owner -> remote).
	padRecall = network.Pad("bigshare.recall")
	// padRelease returns a proxy's state (remote -> owner).
	padRelease = network.Pad("bigshare.release")
)

func addrMessage(addr uint64) *serial.Buffer {
	b := new(serial.Buffer)
	b.PutUvarint(addr)
	return b
}

// stateMessage encodes the address and state of obj.
func stateMessage(addr uint64, obj Object) *serial.Buffer {
	b := addrMessage(addr)
	if err := serial.Encode(b, obj); err != nil {
		// Object types are checked when they are registered or
		// fetched, so this cannot happen for well-formed programs.
		log.Panicf("bigshare: encode %T: %v", obj, err)
	}
	return b
}
