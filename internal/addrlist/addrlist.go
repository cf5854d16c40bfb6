// Package addrlist tracks candidate peer addresses for one torrent: a
// ranked, deduplicated queue that new_connection_candidates draws from
// (spec §4.7).
package addrlist

import (
	"net"
	"sort"
	"sync"
)

// PeerSource records where an address was learned from, surfaced in stats.
type PeerSource int

// Known peer sources.
const (
	SourceTracker PeerSource = iota
	SourceDHT
	SourcePEX
	SourceManual
)

type candidate struct {
	addr   *net.TCPAddr
	source PeerSource
	inUse  bool
}

// AddrList is a bounded ranked queue of connect candidates for one torrent.
type AddrList struct {
	mu         sync.Mutex
	ownAddr    net.IP
	maxItems   int
	candidates map[string]*candidate // keyed by addr.String()
}

// New returns an empty address list. ownAddr, when non-nil, is used to rank
// candidates by shared high-order bits (network proximity); maxItems bounds
// memory use under a chatty PEX/DHT swarm.
func New(ownAddr net.IP, maxItems int) *AddrList {
	return &AddrList{
		ownAddr:    ownAddr,
		maxItems:   maxItems,
		candidates: make(map[string]*candidate),
	}
}

// Push adds addrs from source, ignoring ones already known. Returns the
// count actually added.
func (l *AddrList) Push(addrs []*net.TCPAddr, source PeerSource) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, a := range addrs {
		key := a.String()
		if _, ok := l.candidates[key]; ok {
			continue
		}
		if len(l.candidates) >= l.maxItems {
			continue
		}
		l.candidates[key] = &candidate{addr: a, source: source}
		added++
	}
	return added
}

// Len returns the number of known (used or unused) candidates.
func (l *AddrList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.candidates)
}

// Reset clears the queue, used after a torrent is stopped and restarted.
func (l *AddrList) Reset() {
	l.mu.Lock()
	l.candidates = make(map[string]*candidate)
	l.mu.Unlock()
}

// Snapshot returns every known candidate address regardless of in-use state,
// for callers that only need to read the set (e.g. answering a DHT get_peers
// query with addresses this torrent has already collected) and must not
// perturb PopNConnectable's in-use bookkeeping.
func (l *AddrList) Snapshot() []*net.TCPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*net.TCPAddr, 0, len(l.candidates))
	for _, c := range l.candidates {
		out = append(out, c.addr)
	}
	return out
}

// Release marks an address no longer connected, allowing it to be handed
// out again by a future PopNConnectable.
func (l *AddrList) Release(addr *net.TCPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.candidates[addr.String()]; ok {
		c.inUse = false
	}
}

// PopNConnectable returns up to n unused, not-currently-active candidates
// ordered by rank (closest network proximity first), marking them in-use.
// active is the set of addresses belonging to already-connected peers,
// filtered out even if inUse was never set (e.g. a peer that dialed us).
func (l *AddrList) PopNConnectable(n int, active map[string]struct{}) []*net.TCPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pool []*candidate
	for _, c := range l.candidates {
		if c.inUse {
			continue
		}
		if _, busy := active[c.addr.String()]; busy {
			continue
		}
		pool = append(pool, c)
	}
	sort.Slice(pool, func(i, j int) bool {
		return rank(l.ownAddr, pool[i].addr.IP) > rank(l.ownAddr, pool[j].addr.IP)
	})
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]*net.TCPAddr, 0, n)
	for i := 0; i < n; i++ {
		pool[i].inUse = true
		out = append(out, pool[i].addr)
	}
	return out
}

// rank approximates network proximity as the number of leading bits shared
// between own and candidate IPv4 addresses (spec §4.7).
func rank(own, candidate net.IP) int {
	a := own.To4()
	b := candidate.To4()
	if a == nil || b == nil || len(a) != len(b) {
		return 0
	}
	var shared int
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			shared += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				break
			}
			shared++
		}
		break
	}
	return shared
}
