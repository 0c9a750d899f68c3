// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigshare implements a distributed shared-object runtime for
	irregular, data-parallel algorithms such as PageRank over graphs that
	are partitioned among several hosts.

	Objects are plain Go structs that embed Shared. An object is owned by
	the host that registered it, and is named cluster-wide by a Ptr: the
	pair of the owner's host id and the object's address in the owner's
	object table. Pointers may be stored in other shared objects and sent
	between hosts.

	Dereferencing a pointer (Resolve) goes through the host's
	directories. Objects owned by the local host are found in the Local
	Directory; objects owned elsewhere are fetched from their owner into
	a proxy kept by the Remote Directory. Coherence is single-writer and
	recall-based: while a proxy is cached on another host, the owner's
	copy is held by its directory, and the owner recalls the proxy before
	the object is used locally again.

	Units of work run inside a transactional context (package txn).
	Every object a unit of work resolves is acquired on its behalf. A
	unit of work that cannot acquire an object fails with a conflict
	rather than waiting; the scheduler (package exec) aborts it, which
	releases everything it holds, and retries it later. Callers outside
	any unit of work instead wait until the object is free.

	Hosts communicate through a network.Interface. While a host waits for
	a remote operation it keeps servicing incoming messages, either from a
	dedicated polling goroutine (see Host.Start) or by polling itself.
*/
package bigshare
