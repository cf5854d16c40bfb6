package piece

import "errors"

// ErrInvalidSlice is returned by SliceBytes when the payload length does not
// match the requested torrent-space byte range.
var ErrInvalidSlice = errors.New("piece: payload length does not match torrent byte range")

// Attr carries BEP 47 per-file attribute flags.
type Attr struct {
	Executable bool
	Hidden     bool
	Symlink    bool
	Padding    bool
}

// File is the runtime view over one logical file in the torrent: it adds the
// absolute on-disk path, numeric index, priority and the torrent-space /
// io-space mapping helpers from spec §3.
type File struct {
	Index    int
	Path     string   // absolute on-disk path
	Segments []string // relative path segments, as in the metainfo
	Length   int64
	Offset   int64 // absolute byte offset within the concatenated torrent
	Attr     Attr
	MD5Sum   string
	SHA1Sum  string

	priority Priority
}

// TorrentRange returns [offset, offset+length) in torrent space.
func (f *File) TorrentRange() (start, end int64) {
	return f.Offset, f.Offset + f.Length
}

// Priority returns the file's current priority. Files share the same
// priority value space as pieces (spec §3).
func (f *File) Priority() Priority {
	return f.priority
}

// SetPriority sets the file's priority.
func (f *File) SetPriority(p Priority) {
	f.priority = p
}

// Overlap computes the intersection of this file's torrent-space range with
// [start, end). ok is false when there is no overlap. ioStart/ioEnd are the
// corresponding offsets within the physical file ([0, Length)).
func (f *File) Overlap(start, end int64) (ioStart, ioEnd, torrentStart, torrentEnd int64, ok bool) {
	fStart, fEnd := f.TorrentRange()
	lo := max64(start, fStart)
	hi := min64(end, fEnd)
	if lo >= hi {
		return 0, 0, 0, 0, false
	}
	return lo - fStart, hi - fStart, lo, hi, true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Layout is the immutable aggregate of a torrent's pieces and files, plus the
// operations spec §4.1 requires: indexed piece lookup, byte→piece arithmetic,
// file-range intersection and payload slicing.
type Layout struct {
	PieceLength int64
	TotalLength int64
	Pieces      []*Piece
	Files       []*File
}

// Piece returns the piece at index, O(1).
func (l *Layout) Piece(index int) *Piece {
	return l.Pieces[index]
}

// PieceContainingByte returns the piece index and the byte offset within
// that piece for an absolute torrent-space offset.
func (l *Layout) PieceContainingByte(offset int64) (index int, byteOffset int64) {
	index = int(offset / l.PieceLength)
	byteOffset = offset % l.PieceLength
	return
}

// FileOverlap is one entry of FilesOverlapping's result.
type FileOverlap struct {
	File                     *File
	IOStart, IOEnd           int64
	TorrentStart, TorrentEnd int64
}

// FilesOverlapping returns, in file-index order, every file whose range
// intersects [start, end), with both the io-space and torrent-space
// intersection computed (spec §4.1).
func (l *Layout) FilesOverlapping(start, end int64) []FileOverlap {
	var out []FileOverlap
	for _, f := range l.Files {
		ioS, ioE, tS, tE, ok := f.Overlap(start, end)
		if !ok {
			continue
		}
		out = append(out, FileOverlap{File: f, IOStart: ioS, IOEnd: ioE, TorrentStart: tS, TorrentEnd: tE})
	}
	return out
}

// FileChunk is one file-destined slice of a payload handed to SliceBytes.
type FileChunk struct {
	File     *File
	IOOffset int64
	Data     []byte
}

// SliceBytes partitions payload, covering torrent-space range [start, end),
// into the byte slices destined for each overlapping file, preserving
// file-index order. It fails with ErrInvalidSlice if len(payload) does not
// match the declared torrent-space range length (spec §4.1).
func (l *Layout) SliceBytes(start, end int64, payload []byte) ([]FileChunk, error) {
	if end-start != int64(len(payload)) {
		return nil, ErrInvalidSlice
	}
	overlaps := l.FilesOverlapping(start, end)
	var out []FileChunk
	var total int64
	for _, ov := range overlaps {
		relStart := ov.TorrentStart - start
		relEnd := ov.TorrentEnd - start
		out = append(out, FileChunk{
			File:     ov.File,
			IOOffset: ov.IOStart,
			Data:     payload[relStart:relEnd],
		})
		total += relEnd - relStart
	}
	if total != int64(len(payload)) {
		return nil, ErrInvalidSlice
	}
	return out, nil
}
