package infodownloader

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

func TestRequestPiecesStopsAtQueueLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	pc := peerconn.New(server, [20]byte{1}, peerconn.TransportTCP, false, true, false, logger.New("test"))
	go pc.Run()
	defer pc.Close()
	pe := peer.New(pc, peer.Incoming, 1)

	d := New(pe, 1, MetadataPieceLength*3+100)
	if len(d.pieces) != 4 {
		t.Fatalf("expected 4 metadata pieces, got %d", len(d.pieces))
	}

	go d.RequestPieces(2)

	for i := 0; i < 2; i++ {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		id, length, ok, err := peerprotocol.ReadMessageHeader(client)
		if err != nil || !ok || id != peerprotocol.Extended {
			t.Fatalf("expected extended frame, got id=%v ok=%v err=%v", id, ok, err)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Fatal(err)
		}
	}
	if d.requested.Count() != 2 {
		t.Fatalf("expected 2 outstanding requests, got %d", d.requested.Count())
	}
}

func TestGotPieceRejectsUnrequested(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	pc := peerconn.New(server, [20]byte{1}, peerconn.TransportTCP, false, true, false, logger.New("test"))
	go pc.Run()
	defer pc.Close()
	pe := peer.New(pc, peer.Incoming, 1)

	d := New(pe, 1, MetadataPieceLength)
	if err := d.GotPiece(0, make([]byte, MetadataPieceLength)); err == nil {
		t.Fatal("expected error for a piece that was never requested")
	}
}
