// Package piece implements the piece/file model of spec §4.1: the mapping
// between peer wire pieces, on-disk files and HTTP byte ranges, with
// partial-completion accounting and priority propagation.
package piece

import (
	"bytes"
	"crypto/sha1" // nolint:gosec // BitTorrent v1 piece hashing is SHA-1
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
)

// PartLength is the fixed wire-level request granularity (16 KiB), except
// possibly the last part of a piece.
const PartLength = 16 * 1024

// Part is a fixed-size sub-unit of a Piece matching the wire request size.
type Part struct {
	Index     uint32 // index within the piece
	Begin     uint32 // byte offset within the piece
	Length    uint32
	completed bool
}

// IsCompleted reports whether this part had already been recorded at the
// time its snapshot was taken via Piece.Parts.
func (p Part) IsCompleted() bool { return p.completed }

// Piece is the unit of integrity: a contiguous byte region of the torrent
// with a single hash, decomposed into Parts.
type Piece struct {
	Index           uint32
	OffsetInTorrent int64
	Length          uint32
	Hash            []byte
	HashIsV2        bool

	mu       sync.Mutex
	priority Priority
	parts    []Part
	done     map[uint32]bool
	buf      []byte

	// availability counts peers known to hold this piece. Never negative;
	// underflow is clamped and must be logged by the caller (spec §9 open
	// question).
	availability int32

	writing bool
}

// New builds a Piece of the given length at torrent offset off, split into
// PartLength-sized Parts (the last part may be shorter).
func New(index uint32, off int64, length uint32, hash []byte, v2 bool) *Piece {
	p := &Piece{
		Index:           index,
		OffsetInTorrent: off,
		Length:          length,
		Hash:            hash,
		HashIsV2:        v2,
		done:            make(map[uint32]bool),
	}
	p.parts = buildParts(length)
	return p
}

func buildParts(length uint32) []Part {
	n := length / PartLength
	rem := length % PartLength
	if rem != 0 {
		n++
	}
	parts := make([]Part, n)
	var begin uint32
	for i := uint32(0); i < n; i++ {
		l := uint32(PartLength)
		if i == n-1 && rem != 0 {
			l = rem
		}
		parts[i] = Part{Index: i, Begin: begin, Length: l}
		begin += l
	}
	return parts
}

// Parts returns the piece's part layout. The returned slice must not be
// mutated; completion state is tracked separately via RecordPart.
func (p *Piece) Parts() []Part {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Part, len(p.parts))
	copy(out, p.parts)
	for i := range out {
		out[i].completed = p.done[out[i].Index]
	}
	return out
}

// Priority returns the piece's current priority.
func (p *Piece) Priority() Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority
}

// SetPriority updates the piece's priority (propagated from file priority or
// the streaming read head).
func (p *Piece) SetPriority(pr Priority) {
	p.mu.Lock()
	p.priority = pr
	p.mu.Unlock()
}

// Wanted reports whether the piece should be requested: priority above None
// and not yet completed.
func (p *Piece) Wanted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority > None && len(p.done) < len(p.parts)
}

// Writing reports whether the piece's completed bytes are currently being
// flushed to storage (used to throttle duplicate completion handling).
func (p *Piece) Writing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writing
}

// SetWriting marks the piece as mid-flush or not.
func (p *Piece) SetWriting(w bool) {
	p.mu.Lock()
	p.writing = w
	p.mu.Unlock()
}

// Completed reports whether every part is marked complete. It does not
// re-verify the hash; RecordPart is the only path that transitions a piece
// to the completed state after hash validation.
func (p *Piece) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done) == len(p.parts)
}

// PartiallyCompleted reports whether at least one but not all parts are done.
func (p *Piece) PartiallyCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done) > 0 && len(p.done) < len(p.parts)
}

// Availability returns the number of peers known to hold this piece.
func (p *Piece) Availability() int32 {
	return atomic.LoadInt32(&p.availability)
}

// AdjustAvailability changes the availability counter by delta, clamping at
// zero. Returns true if the counter underflowed and was clamped (the caller
// should log it, per spec §9).
func (p *Piece) AdjustAvailability(delta int32) (clamped bool) {
	for {
		cur := atomic.LoadInt32(&p.availability)
		next := cur + delta
		if next < 0 {
			next = 0
			clamped = cur != 0 || delta < 0
		}
		if atomic.CompareAndSwapInt32(&p.availability, cur, next) {
			return clamped
		}
	}
}

// RecordResult is returned by RecordPart describing what happened.
type RecordResult struct {
	PieceCompleted bool
	HashMismatch   bool
	Payload        []byte // set iff PieceCompleted
}

// RecordPart stores bytes for one part. When every part has been recorded,
// the piece assembles the payload in order and verifies it against Hash. On
// mismatch the bitmap is cleared so the piece becomes requestable again (spec
// §4.1, §8 property 3); on match the piece is returned with its payload for
// the caller to dispatch to storage and to emit PieceCompleted.
func (p *Piece) RecordPart(partIndex uint32, data []byte) (RecordResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if partIndex >= uint32(len(p.parts)) {
		return RecordResult{}, fmt.Errorf("piece: part index %d out of range (have %d parts)", partIndex, len(p.parts))
	}
	if uint32(len(data)) != p.parts[partIndex].Length {
		return RecordResult{}, fmt.Errorf("piece: part %d length mismatch: got %d want %d", partIndex, len(data), p.parts[partIndex].Length)
	}
	if p.buf == nil {
		p.buf = make([]byte, p.Length)
	}
	copy(p.buf[p.parts[partIndex].Begin:p.parts[partIndex].Begin+p.parts[partIndex].Length], data)
	p.done[partIndex] = true

	if len(p.done) != len(p.parts) {
		return RecordResult{}, nil
	}

	ok := p.verifyLocked()
	if !ok {
		p.done = make(map[uint32]bool)
		p.buf = nil
		return RecordResult{HashMismatch: true}, nil
	}
	payload := p.buf
	return RecordResult{PieceCompleted: true, Payload: payload}, nil
}

func (p *Piece) verifyLocked() bool {
	var sum []byte
	if p.HashIsV2 {
		s := sha256.Sum256(p.buf)
		sum = s[:]
	} else {
		s := sha1.Sum(p.buf) // nolint:gosec
		sum = s[:]
	}
	return bytes.Equal(sum, p.Hash)
}

// Reset clears completion state without touching availability or priority,
// used when a peer's contributed bytes are discarded (e.g. peer lost).
func (p *Piece) Reset() {
	p.mu.Lock()
	p.done = make(map[uint32]bool)
	p.buf = nil
	p.mu.Unlock()
}
