package piecewriter

import (
	"bytes"
	"testing"

	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/storage"
	"github.com/yoep/torrentcore/internal/storage/filestorage"
)

func TestRunWritesPayloadAcrossOverlappingFiles(t *testing.T) {
	dir := t.TempDir()
	fs := filestorage.New()
	files, err := fs.Open(dir, []storage.FileInfo{
		{Path: []string{"a"}, Length: 10},
		{Path: []string{"b"}, Length: 10},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mgr := storage.NewManager(files)

	layout := &piece.Layout{
		PieceLength: 16,
		TotalLength: 20,
		Files: []*piece.File{
			{Index: 0, Path: dir + "/a", Length: 10, Offset: 0},
			{Index: 1, Path: dir + "/b", Length: 10, Offset: 10},
		},
	}
	p := piece.New(0, 0, 16, bytes.Repeat([]byte{0}, 20), false)
	payload := bytes.Repeat([]byte{0x42}, 16)

	w := New(p, payload)
	resultC := make(chan *PieceWriter, 1)
	w.Run(layout, mgr, resultC)
	res := <-resultC
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	got, err := mgr.Read(0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload[:10]) {
		t.Fatalf("file a: got %x want %x", got, payload[:10])
	}
	got, err = mgr.Read(1, 0, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload[10:16]) {
		t.Fatalf("file b: got %x want %x", got, payload[10:16])
	}
}
