// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mem

import (
	"strconv"
	"strings"
)

// maxNodes bounds the NUMA node ids that can appear in an
// interleave mask.
const maxNodes = 64

// parseNodes parses a node list in the kernel's format, a list of
// ids and ranges such as "0-1,3", into the node ids it names. It
// returns nil if the list is malformed.
func parseNodes(s string) []int {
	var nodes []int
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, hi = part[:i], part[i+1:]
		}
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l < 0 || h < l {
			return nil
		}
		for id := l; id <= h; id++ {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

// nodeMask returns the interleave mask for nodes and the maxnode
// argument that covers it. Nodes beyond maxNodes are left out.
func nodeMask(nodes []int) (mask uint64, maxnode int) {
	for _, id := range nodes {
		if id >= maxNodes {
			continue
		}
		mask |= 1 << uint(id)
		if id+2 > maxnode {
			maxnode = id + 2
		}
	}
	return mask, maxnode
}
