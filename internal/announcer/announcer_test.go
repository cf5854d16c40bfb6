package announcer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/yoep/torrentcore/internal/tracker"
	"github.com/yoep/torrentcore/internal/trackermanager"
)

type fakeDHTNode struct {
	peers []*net.UDPAddr
}

func (f *fakeDHTNode) GetPeers(ctx context.Context, infoHash [20]byte) []*net.UDPAddr {
	return f.peers
}
func (f *fakeDHTNode) AnnouncePeer(ctx context.Context, infoHash [20]byte, port int) {}

func TestDHTAnnouncerReportsResultThenStopsOnClose(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	node := &fakeDHTNode{peers: []*net.UDPAddr{addr}}
	a := NewDHT(node, [20]byte{1}, 6881)
	a.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	select {
	case res := <-a.ResultC:
		if len(res.Peers) != 1 || res.Peers[0].String() != addr.String() {
			t.Fatalf("unexpected peers: %v", res.Peers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first DHT announce result")
	}
	a.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DHTAnnouncer.Run did not return after Close")
	}
}

func TestPeriodicalAnnouncerWithNoTrackersCompletesRound(t *testing.T) {
	mgr := trackermanager.New(nil)
	a := NewPeriodical(mgr, tracker.Torrent{InfoHash: make([]byte, 20)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case res := <-a.ResultC:
		if res.Error != nil {
			t.Fatalf("expected no error with zero tiers, got %v", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce round")
	}
	a.Close()
}

func TestStopEventAnnouncerRunsWithoutBlocking(t *testing.T) {
	mgr := trackermanager.New(nil)
	a := NewStopEvent(mgr, tracker.Torrent{InfoHash: make([]byte, 20), Event: tracker.EventStopped})
	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopEventAnnouncer.Run did not return")
	}
}
