package session

import (
	"testing"

	"github.com/yoep/torrentcore/internal/metainfo"
	"github.com/yoep/torrentcore/internal/piece"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateMetadataPending: "metadata_pending",
		StateAllocating:      "allocating",
		StateVerifying:       "verifying",
		StateDownloading:     "downloading",
		StateSeeding:         "seeding",
		StatePaused:          "paused",
		StateError:           "error",
		State(99):            "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestAttrFromString(t *testing.T) {
	a := attrFromString("pxhl")
	if !a.Padding || !a.Executable || !a.Hidden || !a.Symlink {
		t.Fatalf("unexpected attr: %+v", a)
	}
	if b := attrFromString(""); b.Padding || b.Executable || b.Hidden || b.Symlink {
		t.Fatalf("expected zero-value attr, got %+v", b)
	}
}

func TestBuildFilesSingleFile(t *testing.T) {
	info := &metainfo.Info{Name: "movie.mkv", Length: 1000}
	files := buildFiles(info)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	f := files[0]
	if f.Length != 1000 || f.Offset != 0 {
		t.Fatalf("unexpected file: %+v", f)
	}
	if len(f.Segments) != 1 || f.Segments[0] != "movie.mkv" {
		t.Fatalf("unexpected segments: %v", f.Segments)
	}
}

func TestBuildFilesMultiFileOffsetsAccumulate(t *testing.T) {
	info := &metainfo.Info{
		Name: "album",
		Files: []metainfo.FileDict{
			{Length: 100, Path: []string{"01.flac"}},
			{Length: 200, Path: []string{"02.flac"}, Attr: "x"},
		},
	}
	files := buildFiles(info)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Offset != 0 || files[1].Offset != 100 {
		t.Fatalf("unexpected offsets: %d, %d", files[0].Offset, files[1].Offset)
	}
	if !files[1].Attr.Executable {
		t.Fatalf("expected second file to be marked executable")
	}
	if files[0].Segments[0] != "album" || files[0].Segments[1] != "01.flac" {
		t.Fatalf("unexpected segments: %v", files[0].Segments)
	}
}

func TestBuildPiecesSizesLastPieceShort(t *testing.T) {
	info := &metainfo.Info{
		Name:        "f",
		Length:      25,
		PieceLength: 10,
		Pieces:      make([]byte, 3*20),
	}
	files := buildFiles(info)
	pieces := buildPieces(info, files)
	if len(pieces) != 3 {
		t.Fatalf("expected 3 pieces, got %d", len(pieces))
	}
	if pieces[0].Length != 10 || pieces[1].Length != 10 || pieces[2].Length != 5 {
		t.Fatalf("unexpected piece lengths: %d %d %d", pieces[0].Length, pieces[1].Length, pieces[2].Length)
	}
	for i, p := range pieces {
		if p.Priority() != piece.Normal {
			t.Fatalf("expected piece %d to default to Normal priority, got %v", i, p.Priority())
		}
	}
}

func TestLayoutFromInfo(t *testing.T) {
	info := &metainfo.Info{
		Name:        "f",
		Length:      15,
		PieceLength: 10,
		Pieces:      make([]byte, 2*20),
	}
	layout := layoutFromInfo(info)
	if layout.TotalLength != 15 {
		t.Fatalf("unexpected total length: %d", layout.TotalLength)
	}
	if len(layout.Pieces) != 2 || len(layout.Files) != 1 {
		t.Fatalf("unexpected layout shape: %+v", layout)
	}
}
