package metainfo

import (
	"bytes"
	"testing"

	"github.com/zeebo/bencode"
)

func encodeTestTorrent(t *testing.T) []byte {
	t.Helper()
	info := map[string]interface{}{
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 20)),
		"name":         "sample.iso",
		"length":       int64(16384),
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

func TestNewParsesSingleFileTorrent(t *testing.T) {
	b := encodeTestTorrent(t)
	mi, err := NewFromBytes(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if mi.Announce != "http://tracker.example:6969/announce" {
		t.Fatalf("unexpected announce: %q", mi.Announce)
	}
	if mi.Info.Name != "sample.iso" {
		t.Fatalf("unexpected name: %q", mi.Info.Name)
	}
	if mi.Info.TotalLength() != 16384 {
		t.Fatalf("unexpected total length: %d", mi.Info.TotalLength())
	}
	if len(mi.Info.InfoHash) != 20 {
		t.Fatalf("expected 20-byte v1 info hash, got %d", len(mi.Info.InfoHash))
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	b := encodeTestTorrent(t)
	mi, err := NewFromBytes(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := mi.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	mi2, err := NewFromBytes(out)
	if err != nil {
		t.Fatalf("New(round-tripped): %v", err)
	}
	if !bytes.Equal(mi.Info.InfoHash, mi2.Info.InfoHash) {
		t.Fatal("info hash changed across round trip")
	}
}

func TestTrackerTiersFallsBackToAnnounce(t *testing.T) {
	mi := &MetaInfo{Announce: "http://a/announce"}
	tiers := mi.TrackerTiers()
	if len(tiers) != 1 || len(tiers[0]) != 1 || tiers[0][0] != "http://a/announce" {
		t.Fatalf("unexpected tiers: %v", tiers)
	}
}
