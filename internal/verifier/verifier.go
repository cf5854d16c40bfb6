// Package verifier performs open-time hash verification of a torrent's
// already-allocated files: reading each piece's on-disk bytes and checking
// them against the declared hash, so resumed torrents do not re-download
// data they already have (spec §4.2, §4.1 RecordPart hash contract).
package verifier

import (
	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/storage"
)

// Progress reports incremental verification progress.
type Progress struct {
	PiecesChecked int
	TotalPieces   int
}

// Verifier re-hashes every piece of a torrent against on-disk bytes.
type Verifier struct {
	Bitfield []bool // true at index i iff piece i hash-matched on disk
	Error    error

	layout    *piece.Layout
	mgr       *storage.Manager
	progressC chan<- Progress
}

// New returns a verifier ready to Run in its own goroutine.
func New(layout *piece.Layout, mgr *storage.Manager, progressC chan<- Progress) *Verifier {
	return &Verifier{layout: layout, mgr: mgr, progressC: progressC}
}

// Run reads each piece's bytes from storage and records them through the
// normal piece.RecordPart path, so a verified piece ends up marked complete
// exactly the way a freshly downloaded one would, and a corrupt piece is
// left requestable.
func (v *Verifier) Run(resultC chan<- *Verifier) {
	n := len(v.layout.Pieces)
	v.Bitfield = make([]bool, n)
	for i, p := range v.layout.Pieces {
		start := p.OffsetInTorrent
		end := start + int64(p.Length)

		buf := make([]byte, p.Length)
		ok := true
		for _, ov := range v.layout.FilesOverlapping(start, end) {
			if ov.File.Attr.Padding {
				continue
			}
			got, err := v.mgr.Read(ov.File.Index, ov.IOStart, int(ov.IOEnd-ov.IOStart))
			if err != nil {
				ok = false
				break
			}
			relStart := ov.TorrentStart - start
			copy(buf[relStart:relStart+int64(len(got))], got)
		}

		if ok {
			for _, part := range p.Parts() {
				_, _ = p.RecordPart(part.Index, buf[part.Begin:part.Begin+part.Length])
			}
			v.Bitfield[i] = p.Completed()
		}

		if v.progressC != nil {
			select {
			case v.progressC <- Progress{PiecesChecked: i + 1, TotalPieces: n}:
			default:
			}
		}
	}
	resultC <- v
}
