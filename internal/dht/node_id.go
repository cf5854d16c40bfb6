// Package dht implements BEP 5 Kademlia DHT discovery: a routing table,
// KRPC message codec and iterative find_node/get_peers traversal (spec §4.4).
package dht

import (
	"crypto/rand"
	"encoding/hex"
	"math/bits"
)

// ID is a 20-byte DHT node identifier.
type ID [20]byte

// RandomID returns a cryptographically random node id, used to generate our
// own identity at startup.
func RandomID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance is the Kademlia XOR metric: distance(a,b) == distance(b,a) and
// distance(a,a) == 0 (spec §8 testable property 10).
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 (from some fixed target) is strictly
// closer than d2, treated as a big-endian unsigned integer.
func Less(d1, d2 ID) bool {
	for i := range d1 {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// bucketIndex returns the leading-zero-bit count of Distance(own, peer),
// i.e. the routing-table bucket a peer belongs in (0..159).
func bucketIndex(own, peer ID) int {
	d := Distance(own, peer)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return len(d)*8 - 1
}
