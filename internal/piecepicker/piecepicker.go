// Package piecepicker implements the piece scheduler of spec §4.8: which
// piece parts to request from which peers, with priority buckets,
// rarest-first tie-breaking, an in-flight ring, and endgame duplication.
package piecepicker

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/piece"
)

// DefaultMaxInFlightPieces bounds how many pieces may be actively requested
// at once, regardless of swarm size.
const DefaultMaxInFlightPieces = 256

// PiecePicker selects pieces for a torrent's peers to download. It does not
// itself send wire requests; callers (the torrent control loop) use
// NextPieceFor to choose what a piecedownloader should pursue next.
type PiecePicker struct {
	mu               sync.Mutex
	pieces           []*piece.Piece
	sequential       bool
	maxInFlight      int
	inFlight         map[uint32]struct{}
	endgameThreshold int
}

// New returns a picker over pieces, indexed by piece index.
func New(pieces []*piece.Piece) *PiecePicker {
	return &PiecePicker{
		pieces:           pieces,
		maxInFlight:      DefaultMaxInFlightPieces,
		inFlight:         make(map[uint32]struct{}),
		endgameThreshold: 16,
	}
}

// SetSequential toggles sequential (lowest-index-first) tie-breaking; when
// off, ties left after priority and availability are broken at random. Used
// when a streaming reader attaches (spec §4.11) or by explicit request.
func (pp *PiecePicker) SetSequential(seq bool) {
	pp.mu.Lock()
	pp.sequential = seq
	pp.mu.Unlock()
}

// SetMaxInFlight overrides the in-flight ring size (tests, tuning).
func (pp *PiecePicker) SetMaxInFlight(n int) {
	pp.mu.Lock()
	pp.maxInFlight = n
	pp.mu.Unlock()
}

// remainingParts counts parts not yet completed across all wanted pieces,
// used to decide when to enter endgame.
func (pp *PiecePicker) remainingParts() int {
	total := 0
	for _, p := range pp.pieces {
		if !p.Wanted() {
			continue
		}
		for _, part := range p.Parts() {
			if !part.IsCompleted() {
				total++
			}
		}
	}
	return total
}

// inEndgame reports whether remaining work has dropped below the endgame
// threshold, derived from twice the caller's average pipeline depth
// (spec §4.8). avgPipeline is supplied by the caller since the picker does
// not track per-peer pipeline depth itself.
func (pp *PiecePicker) inEndgame(avgPipeline int) bool {
	threshold := pp.endgameThreshold
	if avgPipeline > 0 {
		threshold = avgPipeline * 2
	}
	return pp.remainingParts() < threshold
}

// candidate pairs a piece with its sort keys.
type candidate struct {
	p     *piece.Piece
	index uint32
}

// NextPieceFor returns the best piece to request from pe next, or nil if
// none of pe's pieces are currently eligible. exclude lists piece indices
// the caller has already assigned in this scheduling pass (so a single tick
// does not double-assign a piece to the same peer twice before state
// updates land). avgPipeline feeds the endgame heuristic; when avgPipeline
// is 0 the picker uses its static default threshold.
func (pp *PiecePicker) NextPieceFor(pe *peer.Peer, avgPipeline int, exclude map[uint32]struct{}) *piece.Piece {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	endgame := pp.inEndgame(avgPipeline)

	var cands []candidate
	for _, p := range pp.pieces {
		if !p.Wanted() {
			continue
		}
		if !pe.Has(p.Index) {
			continue
		}
		if _, excluded := exclude[p.Index]; excluded {
			continue
		}
		_, inFlight := pp.inFlight[p.Index]
		if inFlight && !endgame {
			continue
		}
		if !inFlight && len(pp.inFlight) >= pp.maxInFlight {
			continue
		}
		cands = append(cands, candidate{p: p, index: p.Index})
	}
	if len(cands) == 0 {
		return nil
	}

	if !pp.sequential {
		rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].p, cands[j].p
		if a.Priority() != b.Priority() {
			return a.Priority() > b.Priority()
		}
		if a.Availability() != b.Availability() {
			return a.Availability() < b.Availability()
		}
		if pp.sequential {
			return a.Index < b.Index
		}
		return false
	})

	chosen := cands[0].p
	pp.inFlight[chosen.Index] = struct{}{}
	return chosen
}

// HandleCancelDownload removes a piece from the in-flight ring, e.g. because
// every peer working on it disconnected or all its parts were cancelled.
func (pp *PiecePicker) HandleCancelDownload(index uint32) {
	pp.mu.Lock()
	delete(pp.inFlight, index)
	pp.mu.Unlock()
}

// HandlePieceCompleted removes a piece from the in-flight ring once it has
// been hash-verified and written.
func (pp *PiecePicker) HandlePieceCompleted(index uint32) {
	pp.mu.Lock()
	delete(pp.inFlight, index)
	pp.mu.Unlock()
}

// HandleSnubbed is a no-op at the picker level today: a snubbed peer is
// evicted by the connection pool (spec §4.6), which then naturally stops
// offering this picker its pieces. Kept as an explicit seam so the control
// loop has one place to route the event, mirroring the teacher's
// PiecePicker.HandleSnubbed/HandleDisconnect/HandleCancelDownload trio.
func (pp *PiecePicker) HandleSnubbed(pe *peer.Peer) {}

// HandleDisconnect releases any in-flight pieces exclusively associated
// with pe's request set. The caller (piecedownloader bookkeeping) is
// expected to also re-open those pieces' parts for request; this just
// un-gates the picker's in-flight ring for indices the caller names.
func (pp *PiecePicker) HandleDisconnect(indices []uint32) {
	pp.mu.Lock()
	for _, idx := range indices {
		delete(pp.inFlight, idx)
	}
	pp.mu.Unlock()
}
