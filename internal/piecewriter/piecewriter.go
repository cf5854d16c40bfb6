// Package piecewriter runs the background disk-write workers of spec §4.2:
// once a piece's payload hash-verifies, its bytes are sliced across the
// files it overlaps and flushed to storage off the torrent control loop.
package piecewriter

import (
	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/storage"
)

// PieceWriter writes one completed piece's payload to storage and reports
// back on a result channel, mirroring the teacher's allocator/verifier shape
// of "do the blocking work off-loop, then hand a self-pointer back".
type PieceWriter struct {
	Piece   *piece.Piece
	Payload []byte
	Error   error
}

// New returns a writer ready to Run in its own goroutine.
func New(p *piece.Piece, payload []byte) *PieceWriter {
	return &PieceWriter{Piece: p, Payload: payload}
}

// Run slices Payload across every file layout overlaps and writes each
// chunk through mgr, then posts itself on resultC. Called from its own
// goroutine so a slow disk never blocks the control loop or other peers.
func (w *PieceWriter) Run(layout *piece.Layout, mgr *storage.Manager, resultC chan<- *PieceWriter) {
	start := w.Piece.OffsetInTorrent
	end := start + int64(w.Piece.Length)
	chunks, err := layout.SliceBytes(start, end, w.Payload)
	if err != nil {
		w.Error = err
		resultC <- w
		return
	}
	for _, c := range chunks {
		if c.File.Attr.Padding {
			continue
		}
		if err := mgr.Write(c.File.Index, c.IOOffset, c.Data); err != nil {
			w.Error = err
			break
		}
	}
	resultC <- w
}
