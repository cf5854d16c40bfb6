package verifier

import (
	"bytes"
	"crypto/sha1" // nolint:gosec
	"testing"

	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/storage"
	"github.com/yoep/torrentcore/internal/storage/filestorage"
)

func TestRunMarksMatchingPieceComplete(t *testing.T) {
	dir := t.TempDir()
	fs := filestorage.New()
	files, err := fs.Open(dir, []storage.FileInfo{{Path: []string{"a"}, Length: 16}})
	if err != nil {
		t.Fatal(err)
	}
	mgr := storage.NewManager(files)

	data := bytes.Repeat([]byte{0x7}, 16)
	if _, err := files[0].WriteAt(data, 0); err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(data) // nolint:gosec

	layout := &piece.Layout{
		PieceLength: 16,
		TotalLength: 16,
		Files: []*piece.File{
			{Index: 0, Path: dir + "/a", Length: 16, Offset: 0},
		},
		Pieces: []*piece.Piece{piece.New(0, 0, 16, sum[:], false)},
	}

	progressC := make(chan Progress, 1)
	v := New(layout, mgr, progressC)
	resultC := make(chan *Verifier, 1)
	v.Run(resultC)
	res := <-resultC
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if !res.Bitfield[0] {
		t.Fatal("expected piece 0 to verify as complete")
	}
	if !layout.Pieces[0].Completed() {
		t.Fatal("expected underlying piece marked completed")
	}
}

func TestRunLeavesMismatchedPieceIncomplete(t *testing.T) {
	dir := t.TempDir()
	fs := filestorage.New()
	files, err := fs.Open(dir, []storage.FileInfo{{Path: []string{"a"}, Length: 16}})
	if err != nil {
		t.Fatal(err)
	}
	mgr := storage.NewManager(files)
	if _, err := files[0].WriteAt(bytes.Repeat([]byte{0x1}, 16), 0); err != nil {
		t.Fatal(err)
	}

	layout := &piece.Layout{
		PieceLength: 16,
		TotalLength: 16,
		Files: []*piece.File{
			{Index: 0, Path: dir + "/a", Length: 16, Offset: 0},
		},
		Pieces: []*piece.Piece{piece.New(0, 0, 16, make([]byte, 20), false)},
	}

	v := New(layout, mgr, nil)
	resultC := make(chan *Verifier, 1)
	v.Run(resultC)
	res := <-resultC
	if res.Bitfield[0] {
		t.Fatal("expected piece 0 to fail verification")
	}
}
