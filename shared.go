// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigshare

import "github.com/grailbio/bigshare/txn"

// Shared is the state embedded in every shared object: its lock, and
// its identity once it is registered with a host or fetched as a
// proxy. Shared carries no serialized state of its own.
//
//	type Node struct {
//		bigshare.Shared
//		Rank  float64
//		Edges []bigshare.Ptr[Node]
//	}
type Shared struct {
	txn.Lockable
	key Key
}

func (s *Shared) shared() *Shared { return s }

// Object is implemented by pointers to structs that embed Shared.
type Object interface {
	shared() *Shared
}

// KeyOf returns the key of a registered object or proxy. The key of
// an object that was never registered is the zero Key.
func KeyOf(obj Object) Key {
	return obj.shared().key
}
