// Package piecedownloader drives the request pipeline for a single piece
// against a single peer (spec §4.6 "Request pipelining").
package piecedownloader

import (
	"errors"
	"time"

	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerconn/peerreader"
	"github.com/yoep/torrentcore/internal/piece"
)

// DefaultPipelineDepth is the target number of outstanding requests per
// peer (spec §4.6: "target: 8 or adaptive per latency"). SetPipelineDepth
// can override it per downloader; the session controller does not call it.
const DefaultPipelineDepth = 8

// RequestTimeout is how long an outstanding request may go unanswered
// before it is freed for a retry; if the original response eventually
// arrives it is still accepted (spec §4.6).
const RequestTimeout = 60 * time.Second

// ErrInvalidReject is returned when a peer rejects a part that was never
// requested from it.
var ErrInvalidReject = errors.New("piecedownloader: reject for unrequested part")

type partState struct {
	piece.Part
	requested   bool
	requestedAt time.Time
}

// PieceDownloader pipelines requests for every part of Piece to Peer,
// assembling and verifying the payload via Piece.RecordPart as parts
// arrive.
type PieceDownloader struct {
	Piece *piece.Piece
	Peer  *peer.Peer

	parts    []partState
	inFlight int
	choked   bool
	depth    int

	PieceC   chan peerreader.Piece
	RejectC  chan [2]uint32 // [index, begin]
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan piece.RecordResult
	ErrC     chan error
}

// New returns a downloader for pi targeting pe, seeded with pi's current
// part layout; parts another peer already completed are marked requested so
// this downloader never re-asks for them.
func New(pi *piece.Piece, pe *peer.Peer) *PieceDownloader {
	layout := pi.Parts()
	parts := make([]partState, len(layout))
	for i, pt := range layout {
		parts[i] = partState{Part: pt, requested: pt.IsCompleted()}
	}
	return &PieceDownloader{
		Piece:    pi,
		Peer:     pe,
		parts:    parts,
		depth:    DefaultPipelineDepth,
		PieceC:   make(chan peerreader.Piece),
		RejectC:  make(chan [2]uint32),
		ChokeC:   make(chan struct{}),
		UnchokeC: make(chan struct{}),
		DoneC:    make(chan piece.RecordResult, 1),
		ErrC:     make(chan error, 1),
	}
}

// SetPipelineDepth lets the controller adapt the pipeline target to
// observed round-trip latency for this peer.
func (d *PieceDownloader) SetPipelineDepth(n int) { d.depth = n }

// Run drives the pipeline until the piece completes (or its hash is found
// to mismatch), an unrecoverable error occurs, or stopC is closed.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	sweep := time.NewTicker(RequestTimeout / 4)
	defer sweep.Stop()

	d.fillPipeline()
	for {
		select {
		case msg := <-d.PieceC:
			done, err := d.handlePiece(msg)
			if err != nil {
				d.ErrC <- err
				return
			}
			if done {
				return
			}
			d.fillPipeline()
		case rej := <-d.RejectC:
			if err := d.handleReject(rej); err != nil {
				d.ErrC <- err
				return
			}
			d.fillPipeline()
		case <-d.ChokeC:
			d.choked = true
			have := d.Piece.Parts()
			for i := range d.parts {
				if d.parts[i].requested && !have[i].IsCompleted() {
					d.parts[i].requested = false
				}
			}
			d.inFlight = 0
		case <-d.UnchokeC:
			d.choked = false
			d.fillPipeline()
		case <-sweep.C:
			d.requeueStale()
			d.fillPipeline()
		case <-stopC:
			return
		}
	}
}

func (d *PieceDownloader) fillPipeline() {
	if d.choked {
		return
	}
	for d.inFlight < d.depth {
		pt := d.nextPart()
		if pt == nil {
			return
		}
		d.inFlight++
		d.Peer.SendRequest(d.Piece.Index, pt.Begin, pt.Length)
	}
}

// handlePiece records an arrived part against the shared Piece and reports
// whether the whole piece has reached a terminal state.
func (d *PieceDownloader) handlePiece(msg peerreader.Piece) (done bool, err error) {
	for i := range d.parts {
		if d.parts[i].Begin != msg.Begin {
			continue
		}
		result, err := d.Piece.RecordPart(d.parts[i].Index, msg.Data)
		if err != nil {
			return false, err
		}
		if d.parts[i].requested {
			d.inFlight--
		}
		d.parts[i].requested = true
		if result.PieceCompleted || result.HashMismatch {
			d.DoneC <- result
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

func (d *PieceDownloader) handleReject(rej [2]uint32) error {
	for i := range d.parts {
		if d.parts[i].Begin != rej[1] {
			continue
		}
		if !d.parts[i].requested {
			return ErrInvalidReject
		}
		d.parts[i].requested = false
		d.inFlight--
		return nil
	}
	return ErrInvalidReject
}

func (d *PieceDownloader) requeueStale() {
	now := time.Now()
	for i := range d.parts {
		if d.parts[i].requested && now.Sub(d.parts[i].requestedAt) > RequestTimeout {
			d.parts[i].requested = false
			d.inFlight--
		}
	}
}

func (d *PieceDownloader) nextPart() *partState {
	for i := range d.parts {
		if !d.parts[i].requested {
			d.parts[i].requested = true
			d.parts[i].requestedAt = time.Now()
			return &d.parts[i]
		}
	}
	return nil
}
