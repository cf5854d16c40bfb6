package dht

import (
	"net"
	"time"
)

// State is a routing-table entry's liveness classification.
type State int

const (
	Good State = iota
	Questionable
	Bad
)

// K is the maximum number of entries per bucket (spec §4.4).
const K = 8

// NumBuckets is the number of XOR-distance buckets (0..159).
const NumBuckets = 160

// Contact is one routing-table entry.
type Contact struct {
	ID       ID
	Addr     *net.UDPAddr
	State    State
	LastSeen time.Time
}

type bucket struct {
	contacts []Contact
}

// RoutingTable is a Kademlia routing table keyed by XOR-distance bucket.
// Router (bootstrap) nodes are tracked separately and never occupy a bucket
// slot or get returned in responses.
type RoutingTable struct {
	own     ID
	buckets [NumBuckets]bucket
	routers []*net.UDPAddr
}

// NewRoutingTable returns an empty table for own identity own.
func NewRoutingTable(own ID) *RoutingTable {
	return &RoutingTable{own: own}
}

// AddRouter registers a bootstrap-only node address.
func (rt *RoutingTable) AddRouter(addr *net.UDPAddr) {
	rt.routers = append(rt.routers, addr)
}

// Routers returns the bootstrap node addresses.
func (rt *RoutingTable) Routers() []*net.UDPAddr {
	return rt.routers
}

// Add inserts or refreshes a contact. If the destination bucket has room, it
// is appended. Otherwise the first non-Good entry is evicted (priority
// Bad > Questionable > Good) and the new contact appended; if every entry is
// Good, the new contact is dropped (spec §4.4).
func (rt *RoutingTable) Add(c Contact) (added bool) {
	if c.ID == rt.own {
		return false
	}
	idx := bucketIndex(rt.own, c.ID)
	b := &rt.buckets[idx]
	for i := range b.contacts {
		if b.contacts[i].ID == c.ID {
			b.contacts[i] = c
			return true
		}
	}
	if len(b.contacts) < K {
		b.contacts = append(b.contacts, c)
		return true
	}
	evictIdx := -1
	worst := Good
	for i := range b.contacts {
		if b.contacts[i].State > worst {
			worst = b.contacts[i].State
			evictIdx = i
		}
	}
	if evictIdx == -1 {
		return false // every entry Good: drop the new contact
	}
	b.contacts[evictIdx] = c
	return true
}

// Closest returns up to n contacts ordered by ascending XOR distance to
// target.
func (rt *RoutingTable) Closest(target ID, n int) []Contact {
	var all []Contact
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].contacts...)
	}
	// Simple insertion sort by distance; routing tables are small (<= 160*8).
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && Less(Distance(all[j].ID, target), Distance(all[j-1].ID, target)); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// MarkQuestionable demotes a contact that failed to respond once.
func (rt *RoutingTable) MarkQuestionable(id ID) {
	idx := bucketIndex(rt.own, id)
	b := &rt.buckets[idx]
	for i := range b.contacts {
		if b.contacts[i].ID == id {
			b.contacts[i].State = Questionable
		}
	}
}

// MarkBad demotes a contact that failed repeatedly, making it the next
// eviction candidate.
func (rt *RoutingTable) MarkBad(id ID) {
	idx := bucketIndex(rt.own, id)
	b := &rt.buckets[idx]
	for i := range b.contacts {
		if b.contacts[i].ID == id {
			b.contacts[i].State = Bad
		}
	}
}

// Size returns the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	var n int
	for i := range rt.buckets {
		n += len(rt.buckets[i].contacts)
	}
	return n
}
