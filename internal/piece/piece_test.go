package piece

import (
	"crypto/sha1" // nolint:gosec
	"testing"
)

func TestPartsTileWithoutGapOrOverlap(t *testing.T) {
	p := New(0, 0, 3*PartLength+100, nil, false)
	parts := p.Parts()
	var sum uint32
	var cursor uint32
	for _, part := range parts {
		if part.Begin != cursor {
			t.Fatalf("gap/overlap at part %d: begin %d want %d", part.Index, part.Begin, cursor)
		}
		cursor += part.Length
		sum += part.Length
	}
	if sum != p.Length {
		t.Fatalf("parts sum %d != piece length %d", sum, p.Length)
	}
}

func TestRecordPartCompletesOnHashMatch(t *testing.T) {
	data := []byte("hello world, this is piece data")
	sum := sha1.Sum(data) // nolint:gosec
	p := New(0, 0, uint32(len(data)), sum[:], false)
	parts := p.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 part for small piece, got %d", len(parts))
	}
	res, err := p.RecordPart(0, data)
	if err != nil {
		t.Fatalf("RecordPart: %v", err)
	}
	if !res.PieceCompleted {
		t.Fatal("expected piece to complete")
	}
	if !p.Completed() {
		t.Fatal("expected Completed() true")
	}
}

func TestRecordPartResetsOnHashMismatch(t *testing.T) {
	data := []byte("hello world, this is piece data")
	wrongHash := make([]byte, 20)
	p := New(0, 0, uint32(len(data)), wrongHash, false)
	res, err := p.RecordPart(0, data)
	if err != nil {
		t.Fatalf("RecordPart: %v", err)
	}
	if !res.HashMismatch {
		t.Fatal("expected hash mismatch")
	}
	if p.Completed() {
		t.Fatal("piece should not be completed after mismatch")
	}
	if p.PartiallyCompleted() {
		t.Fatal("bitmap should be cleared, not partially completed")
	}
}

func TestAvailabilityNeverNegative(t *testing.T) {
	p := New(0, 0, PartLength, nil, false)
	clamped := p.AdjustAvailability(-1)
	if !clamped {
		t.Fatal("expected clamp flag on decrement below zero")
	}
	if p.Availability() != 0 {
		t.Fatalf("expected availability 0, got %d", p.Availability())
	}
	p.AdjustAvailability(3)
	if p.Availability() != 3 {
		t.Fatalf("expected availability 3, got %d", p.Availability())
	}
}

func TestLayoutFilesOverlapping(t *testing.T) {
	l := &Layout{
		PieceLength: 1024,
		TotalLength: 3000,
		Files: []*File{
			{Index: 0, Length: 1000, Offset: 0},
			{Index: 1, Length: 1000, Offset: 1000},
			{Index: 2, Length: 1000, Offset: 2000},
		},
	}
	overlaps := l.FilesOverlapping(900, 2100)
	if len(overlaps) != 3 {
		t.Fatalf("expected 3 overlaps, got %d", len(overlaps))
	}
	if overlaps[0].File.Index != 0 || overlaps[0].IOStart != 900 || overlaps[0].IOEnd != 1000 {
		t.Fatalf("unexpected first overlap: %+v", overlaps[0])
	}
	if overlaps[2].File.Index != 2 || overlaps[2].IOStart != 0 || overlaps[2].IOEnd != 100 {
		t.Fatalf("unexpected third overlap: %+v", overlaps[2])
	}
}

func TestSliceBytesRejectsLengthMismatch(t *testing.T) {
	l := &Layout{Files: []*File{{Index: 0, Length: 10, Offset: 0}}}
	_, err := l.SliceBytes(0, 20, make([]byte, 5))
	if err != ErrInvalidSlice {
		t.Fatalf("expected ErrInvalidSlice, got %v", err)
	}
}

func TestSliceBytesPartitionsInFileOrder(t *testing.T) {
	l := &Layout{Files: []*File{
		{Index: 0, Length: 5, Offset: 0},
		{Index: 1, Length: 5, Offset: 5},
	}}
	payload := []byte("0123456789")
	chunks, err := l.SliceBytes(0, 10, payload)
	if err != nil {
		t.Fatalf("SliceBytes: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if string(chunks[0].Data) != "01234" || string(chunks[1].Data) != "56789" {
		t.Fatalf("unexpected chunk data: %q %q", chunks[0].Data, chunks[1].Data)
	}
}

func TestPieceContainingByte(t *testing.T) {
	l := &Layout{PieceLength: 1024}
	idx, off := l.PieceContainingByte(2500)
	if idx != 2 || off != 452 {
		t.Fatalf("unexpected piece/offset: %d %d", idx, off)
	}
}
