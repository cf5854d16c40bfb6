package trackermanager

import (
	"context"
	"errors"
	"testing"

	"github.com/yoep/torrentcore/internal/tracker"
)

type fakeTracker struct {
	url     string
	fail    bool
	announc int
}

func (f *fakeTracker) URL() string { return f.url }
func (f *fakeTracker) Announce(ctx context.Context, t tracker.Torrent) (*tracker.AnnounceResponse, error) {
	f.announc++
	if f.fail {
		return nil, errors.New("boom")
	}
	return &tracker.AnnounceResponse{}, nil
}
func (f *fakeTracker) Scrape(ctx context.Context, hashes [][]byte) (map[string]tracker.ScrapeResult, error) {
	return nil, tracker.ErrNotSupported
}

func TestAnnounceFailsOverWithinTier(t *testing.T) {
	bad := &fakeTracker{url: "bad", fail: true}
	good := &fakeTracker{url: "good"}
	m := &Manager{tiers: [][]tracker.Tracker{{bad, good}}}
	_, winner, err := m.Announce(context.Background(), tracker.Torrent{})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if winner != good {
		t.Fatalf("expected good tracker to win, got %v", winner.URL())
	}
}

func TestAnnounceAdvancesToNextTierOnTotalFailure(t *testing.T) {
	bad1 := &fakeTracker{url: "bad1", fail: true}
	bad2 := &fakeTracker{url: "bad2", fail: true}
	good := &fakeTracker{url: "good"}
	m := &Manager{tiers: [][]tracker.Tracker{{bad1}, {bad2, good}}}
	_, winner, err := m.Announce(context.Background(), tracker.Torrent{})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if winner != good {
		t.Fatalf("expected good tracker to win in second tier, got %v", winner.URL())
	}
}

func TestNewSkipsUnsupportedSchemes(t *testing.T) {
	m := New([][]string{{"ftp://tracker.example/announce", "http://tracker.example/announce"}})
	if len(m.Tiers()) != 1 || len(m.Tiers()[0]) != 1 {
		t.Fatalf("expected one supported tracker, got %v", m.Tiers())
	}
}
