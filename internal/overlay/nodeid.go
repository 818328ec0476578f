// Package overlay implements the Kademlia-style routing table (spec
// §4.5): 256 XOR-metric k-buckets, iterative FIND_NODE lookup, and
// peer-health tracking.
package overlay

import (
	"bytes"
	"math/bits"

	"ciphera/internal/domain"
)

const (
	numBuckets     = 256
	bucketCapacity = 20
)

// K is the exported form of bucketCapacity (Kademlia's "k"), for callers
// outside this package that need to size a FIND_NODE reply or similar.
const K = bucketCapacity

// bucketIndex returns which of the 256 k-buckets peer falls into relative
// to self: the position of the highest set bit of d(self, peer), per
// kademlia_dht.py's `_get_bucket_index` (`distance.bit_length() - 1`).
// Returns -1 for peer == self (never bucketed).
func bucketIndex(self, peer domain.NodeID) int {
	d := self.XOR(peer)
	if d.IsZero() {
		return -1
	}
	for i := 0; i < len(d); i++ {
		if d[i] != 0 {
			return (len(d)-1-i)*8 + bits.Len8(d[i]) - 1
		}
	}
	return -1
}

// closerTo reports whether a is strictly closer to target than b under
// the XOR metric.
func closerTo(target, a, b domain.NodeID) bool {
	da, db := target.XOR(a), target.XOR(b)
	return bytes.Compare(da[:], db[:]) < 0
}
