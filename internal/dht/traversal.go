package dht

import (
	"context"
	"net"
	"sync"
)

// QueryFunc performs one find_node (or get_peers) round trip against addr
// and returns the nodes it reported. Traversal is abstracted over this so it
// can be driven by a real KRPC client or, in tests, a fake.
type QueryFunc func(ctx context.Context, addr *net.UDPAddr) (nodes []Contact, err error)

// candidate is an entry in the traversal's unqueried set: its id may be
// unknown (e.g. seeded from a router node).
type candidate struct {
	id      ID
	haveID  bool
	addr    *net.UDPAddr
}

// Result is the outcome of an iterative traversal.
type Result struct {
	Closest []Contact
	// NewNodes is every node discovered that was not already known, in
	// discovery order, used by the caller to emit NodeAdded events.
	NewNodes []Contact
	Queries  int
}

// maxQueries is the overall traversal cap (8*K), per spec §4.4.
func maxQueries() int { return 8 * K }

// FindNode runs the iterative traversal of spec §4.4 for target, seeded with
// seeds (router nodes and/or known routing-table contacts). alpha bounds the
// number of in-flight queries (spec uses alpha == bucket size, K).
func FindNode(ctx context.Context, target ID, seeds []*net.UDPAddr, query QueryFunc) Result {
	alpha := K
	queried := make(map[string]bool)
	seen := make(map[ID]bool)
	var unqueried []candidate
	for _, s := range seeds {
		unqueried = append(unqueried, candidate{addr: s})
	}

	var closest []Contact
	var newNodes []Contact
	var queries int

	for queries < maxQueries() {
		// Pop up to alpha addresses not already queried.
		batch := make([]candidate, 0, alpha)
		remaining := unqueried[:0:0]
		for _, c := range unqueried {
			if len(batch) < alpha && !queried[c.addr.String()] {
				batch = append(batch, c)
			} else {
				remaining = append(remaining, c)
			}
		}
		unqueried = remaining
		if len(batch) == 0 {
			break
		}

		type qResult struct {
			nodes []Contact
			err   error
		}
		results := make([]qResult, len(batch))
		var wg sync.WaitGroup
		for i, c := range batch {
			queried[c.addr.String()] = true
			wg.Add(1)
			go func(i int, addr *net.UDPAddr) {
				defer wg.Done()
				nodes, err := query(ctx, addr)
				results[i] = qResult{nodes: nodes, err: err}
			}(i, c.addr)
		}
		wg.Wait()
		queries += len(batch)

		for _, r := range results {
			if r.err != nil {
				continue
			}
			for _, n := range r.nodes {
				if !seen[n.ID] {
					seen[n.ID] = true
					newNodes = append(newNodes, n)
				}
				if !queried[n.Addr.String()] {
					unqueried = append(unqueried, candidate{id: n.ID, haveID: true, addr: n.Addr})
				}
				closest = append(closest, n)
			}
		}

		closest = sortByDistance(closest, target)
		if len(closest) > K {
			closest = closest[:K]
		}
		unqueried = sortCandidates(unqueried, target)

		if ctx.Err() != nil {
			break
		}
		if allQueried(closest, queried) {
			break
		}
	}

	return Result{Closest: closest, NewNodes: newNodes, Queries: queries}
}

func allQueried(closest []Contact, queried map[string]bool) bool {
	if len(closest) == 0 {
		return false
	}
	for _, c := range closest {
		if !queried[c.Addr.String()] {
			return false
		}
	}
	return true
}

func sortByDistance(contacts []Contact, target ID) []Contact {
	out := append([]Contact(nil), contacts...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && Less(Distance(out[j].ID, target), Distance(out[j-1].ID, target)); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return dedupContacts(out)
}

func dedupContacts(in []Contact) []Contact {
	seen := make(map[ID]bool, len(in))
	out := in[:0]
	for _, c := range in {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// sortCandidates orders unqueried by distance ascending, nodes with known id
// sorted first (per spec §4.4: "nodes with known id first").
func sortCandidates(cs []candidate, target ID) []candidate {
	out := append([]candidate(nil), cs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && candidateLess(out[j], out[j-1], target); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func candidateLess(a, b candidate, target ID) bool {
	if a.haveID != b.haveID {
		return a.haveID
	}
	if !a.haveID {
		return false
	}
	return Less(Distance(a.id, target), Distance(b.id, target))
}
