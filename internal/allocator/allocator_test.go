package allocator

import (
	"os"
	"testing"

	"github.com/yoep/torrentcore/internal/storage"
	"github.com/yoep/torrentcore/internal/storage/filestorage"
)

func TestRunOpensFilesAndReportsProgress(t *testing.T) {
	dir := t.TempDir()
	progressC := make(chan Progress, 1)
	a := New(filestorage.New(), dir, []storage.FileInfo{
		{Path: []string{"movie.mp4"}, Length: 1024},
	}, progressC)

	resultC := make(chan *Allocator, 1)
	a.Run(resultC)
	res := <-resultC
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if len(res.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(res.Files))
	}
	if res.Files[0].Size() != 1024 {
		t.Fatalf("expected preallocated size 1024, got %d", res.Files[0].Size())
	}
	p := <-progressC
	if p.FilesOpened != 1 {
		t.Fatalf("expected progress FilesOpened=1, got %d", p.FilesOpened)
	}

	if _, err := os.Stat(dir + "/movie.mp4"); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
}
