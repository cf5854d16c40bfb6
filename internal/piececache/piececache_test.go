package piececache

import (
	"bytes"
	"testing"

	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/storage"
	"github.com/yoep/torrentcore/internal/storage/filestorage"
)

func TestReadBlockServesFromStorageThenCache(t *testing.T) {
	dir := t.TempDir()
	fs := filestorage.New()
	files, err := fs.Open(dir, []storage.FileInfo{{Path: []string{"a"}, Length: 16}})
	if err != nil {
		t.Fatal(err)
	}
	mgr := storage.NewManager(files)
	data := bytes.Repeat([]byte{0x9}, 16)
	if _, err := files[0].WriteAt(data, 0); err != nil {
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

	c := New(layout, mgr, 0)
	block, err := c.ReadBlock(0, 4, 8)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(block, data[4:12]) {
		t.Fatalf("got %x want %x", block, data[4:12])
	}

	// Overwrite the underlying file; a cached read should still return the
	// stale bytes until Invalidate is called.
	if _, err := files[0].WriteAt(bytes.Repeat([]byte{0xFF}, 16), 0); err != nil {
		t.Fatal(err)
	}
	block2, err := c.ReadBlock(0, 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block2, data[4:12]) {
		t.Fatal("expected cached stale bytes before Invalidate")
	}

	c.Invalidate(0)
	block3, err := c.ReadBlock(0, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block3, bytes.Repeat([]byte{0xFF}, 4)) {
		t.Fatal("expected fresh bytes after Invalidate")
	}
}
