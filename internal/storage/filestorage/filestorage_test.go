package filestorage

import (
	"bytes"
	"testing"

	"github.com/yoep/torrentcore/internal/storage"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := New()
	files, err := fs.Open(dir, []storage.FileInfo{
		{Path: []string{"movie.mp4"}, Length: 1024},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer files[0].Close()

	data := bytes.Repeat([]byte{0xAB}, 100)
	if _, err := files[0].WriteAt(data, 200); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 100)
	if _, err := files[0].ReadAt(got, 200); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped bytes differ")
	}
	if files[0].Size() != 1024 {
		t.Fatalf("unexpected size: %d", files[0].Size())
	}
}

func TestFlushClearsDirtySet(t *testing.T) {
	dir := t.TempDir()
	fs := New()
	files, err := fs.Open(dir, []storage.FileInfo{{Path: []string{"a"}, Length: 10}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer files[0].Close()
	if _, err := files[0].WriteAt([]byte{1}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if len(fs.dirtied) != 1 {
		t.Fatalf("expected 1 dirty file before Flush, got %d", len(fs.dirtied))
	}
	if err := fs.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(fs.dirtied) != 0 {
		t.Fatalf("expected empty dirty set after Flush, got %d", len(fs.dirtied))
	}
}
