package peer

import (
	"net"
	"testing"
	"time"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

func newTestPeer(t *testing.T) (*Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	pc := peerconn.New(server, [20]byte{1}, peerconn.TransportTCP, false, false, false, logger.New("test"))
	go pc.Run()
	t.Cleanup(pc.Close)

	p := New(pc, Incoming, 10)
	return p, client
}

func TestUnchokeIsIdempotent(t *testing.T) {
	p, client := newTestPeer(t)
	defer client.Close()

	outC := make(chan Message, 8)
	pieceC := make(chan PieceMessage, 1)
	go p.Run(outC, pieceC)

	p.Unchoke()
	if p.AmChoking {
		t.Fatal("expected AmChoking to be false after Unchoke")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	id, length, ok, err := peerprotocol.ReadMessageHeader(client)
	if err != nil || !ok {
		t.Fatalf("expected to read an unchoke frame: ok=%v err=%v", ok, err)
	}
	if id != peerprotocol.Unchoke || length != 0 {
		t.Fatalf("expected unchoke frame, got id=%v length=%v", id, length)
	}

	// A second Unchoke call must not resend.
	p.Unchoke()
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, _, err := peerprotocol.ReadMessageHeader(client); err == nil {
		t.Fatal("expected no frame after a second Unchoke")
	}
}

func TestHaveMessageUpdatesBitfield(t *testing.T) {
	p, client := newTestPeer(t)
	defer client.Close()

	outC := make(chan Message, 8)
	pieceC := make(chan PieceMessage, 1)
	go p.Run(outC, pieceC)

	if err := peerprotocol.WriteMessage(client, peerprotocol.HaveMessage{Index: 3}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-outC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have message to propagate")
	}

	if !p.Has(3) {
		t.Fatal("expected bit 3 to be set after have message")
	}
}
