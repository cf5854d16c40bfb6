package piecedownloader

import (
	"crypto/sha1" //nolint:gosec
	"net"
	"testing"
	"time"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerconn/peerreader"
	"github.com/yoep/torrentcore/internal/peerprotocol"
	"github.com/yoep/torrentcore/internal/piece"
)

func newTestPeer(t *testing.T) (*peer.Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	pc := peerconn.New(server, [20]byte{1}, peerconn.TransportTCP, false, false, false, logger.New("test"))
	go pc.Run()
	t.Cleanup(pc.Close)
	return peer.New(pc, peer.Incoming, 1), client
}

func TestPieceDownloaderCompletesOnHashMatch(t *testing.T) {
	data := []byte("exactly one part of piece data")
	sum := sha1.Sum(data) //nolint:gosec
	pi := piece.New(0, 0, uint32(len(data)), sum[:], false)

	pe, client := newTestPeer(t)
	defer client.Close()

	d := New(pi, pe)
	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	id, length, ok, err := peerprotocol.ReadMessageHeader(client)
	if err != nil || !ok || id != peerprotocol.Request {
		t.Fatalf("expected a request frame, got id=%v ok=%v err=%v", id, ok, err)
	}
	payload, err := peerprotocol.ReadFixedPayload(client, length, 12)
	if err != nil {
		t.Fatal(err)
	}
	req := peerprotocol.DecodeRequest(payload)
	if req.Index != 0 || req.Begin != 0 || req.Length != uint32(len(data)) {
		t.Fatalf("unexpected request: %+v", req)
	}

	d.PieceC <- peerreader.Piece{
		PieceMessage: peerprotocol.PieceMessage{Index: 0, Begin: 0, Length: uint32(len(data))},
		Data:         data,
	}

	select {
	case result := <-d.DoneC:
		if !result.PieceCompleted {
			t.Fatalf("expected piece to complete, got %+v", result)
		}
	case err := <-d.ErrC:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
