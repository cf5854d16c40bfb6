package session

import (
	"bytes"
	"testing"

	"github.com/zeebo/bencode"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/metainfo"
	"github.com/yoep/torrentcore/internal/piece"
)

// encodeTestTorrent builds a minimal valid single-file .torrent byte string,
// mirroring internal/metainfo's own test fixture.
func encodeTestTorrent(t *testing.T, name string, length int64) []byte {
	t.Helper()
	info := map[string]interface{}{
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 20)),
		"name":         name,
		"length":       length,
	}
	m := map[string]interface{}{
		"announce": "http://tracker.example:6969/announce",
		"info":     info,
	}
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(m); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

// newTestController builds a Controller wired with a parsed metainfo but
// without starting its run loop or any networking, for testing the
// synchronous accessor methods in isolation.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	sess := &Session{peerID: [20]byte{1, 2, 3}}
	cfg := DefaultConfig
	cfg.DataDir = t.TempDir()
	c := newController(sess, newHandle(), 51413, cfg, logger.New("test"))

	mi, err := metainfo.NewFromBytes(encodeTestTorrent(t, "movie.mkv", 16384))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if err := c.setMetainfo(mi); err != nil {
		t.Fatalf("setMetainfo: %v", err)
	}
	return c
}

func TestControllerMetadataReflectsParsedInfo(t *testing.T) {
	c := newTestController(t)

	ih, have := c.InfoHash()
	if !have {
		t.Fatal("expected InfoHash to be resolved after setMetainfo")
	}
	if ih == ([20]byte{}) {
		t.Fatal("expected a non-zero info hash")
	}

	md, err := c.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.Name != "movie.mkv" {
		t.Fatalf("unexpected name: %q", md.Name)
	}
	if md.TotalLength != 16384 {
		t.Fatalf("unexpected total length: %d", md.TotalLength)
	}
	if md.PieceCount != 1 {
		t.Fatalf("unexpected piece count: %d", md.PieceCount)
	}
	if len(md.Files) != 1 || md.Files[0].Length != 16384 {
		t.Fatalf("unexpected files: %+v", md.Files)
	}
}

func TestControllerMetadataPendingBeforeSetMetainfo(t *testing.T) {
	sess := &Session{peerID: [20]byte{1}}
	c := newController(sess, newHandle(), 51413, DefaultConfig, logger.New("test"))

	if _, err := c.Metadata(); err != ErrMetadataPending {
		t.Fatalf("expected ErrMetadataPending, got %v", err)
	}
}

func TestControllerPieceCompletedReflectsBitfield(t *testing.T) {
	c := newTestController(t)

	if c.PieceCompleted(0) {
		t.Fatal("expected piece 0 to start incomplete")
	}
	c.bf.Set(0)
	if !c.PieceCompleted(0) {
		t.Fatal("expected piece 0 to report completed after bf.Set")
	}
}

func TestControllerReadFileRangeErrorsBeforeStorageOpen(t *testing.T) {
	c := newTestController(t)
	if _, err := c.ReadFileRange(0, 0, 10); err != errStorageNotReady {
		t.Fatalf("expected errStorageNotReady, got %v", err)
	}
}

func TestControllerSetPiecePriorityIgnoresOutOfRangeIndex(t *testing.T) {
	c := newTestController(t)
	// Out of range must not panic.
	c.SetPiecePriority(9999, piece.Now)

	c.SetPiecePriority(0, piece.Now)
	if got := c.Layout().Pieces[0].Priority(); got != piece.Now {
		t.Fatalf("expected piece 0 priority Now, got %v", got)
	}
}

func TestControllerSetFilePriorityPropagatesToOverlappingPieces(t *testing.T) {
	c := newTestController(t)
	c.SetFilePriority(0, piece.High)
	for i, p := range c.Layout().Pieces {
		if p.Priority() != piece.High {
			t.Fatalf("expected piece %d to inherit file priority High, got %v", i, p.Priority())
		}
	}
}

func TestControllerSetSequentialIsSafeBeforeAndAfterMetadata(t *testing.T) {
	sess := &Session{peerID: [20]byte{1}}
	bare := newController(sess, newHandle(), 51413, DefaultConfig, logger.New("test"))
	bare.SetSequential(true) // no picker yet (magnet still pending); must not panic

	c := newTestController(t)
	c.SetSequential(true) // picker present once metadata resolved
}

func TestControllerHandleAndNameAndState(t *testing.T) {
	c := newTestController(t)
	if c.Handle() == "" {
		t.Fatal("expected a non-empty handle")
	}
	if c.Name() != "movie.mkv" {
		t.Fatalf("unexpected name: %q", c.Name())
	}
	if c.State() != StateMetadataPending {
		t.Fatalf("expected fresh controller to default to StateMetadataPending, got %v", c.State())
	}
}
