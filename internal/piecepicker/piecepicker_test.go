package piecepicker

import (
	"net"
	"testing"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerprotocol"
	"github.com/yoep/torrentcore/internal/piece"
)

func newTestPeer(t *testing.T, numPieces uint32) (*peer.Peer, net.Conn, chan peer.Message) {
	t.Helper()
	client, server := net.Pipe()
	pc := peerconn.New(server, [20]byte{9}, peerconn.TransportTCP, false, true, false, logger.New("test"))
	go pc.Run()
	pe := peer.New(pc, peer.Incoming, numPieces)
	msgC := make(chan peer.Message, 4)
	pieceC := make(chan peer.PieceMessage, 4)
	go pe.Run(msgC, pieceC)
	return pe, client, msgC
}

func mkPieces(n int) []*piece.Piece {
	out := make([]*piece.Piece, n)
	for i := range out {
		p := piece.New(uint32(i), int64(i)*piece.PartLength, piece.PartLength, make([]byte, 20), false)
		p.SetPriority(piece.Normal)
		out[i] = p
	}
	return out
}

func TestNextPieceForPrefersHigherPriority(t *testing.T) {
	pieces := mkPieces(3)
	pieces[2].SetPriority(piece.Now)
	pp := New(pieces)

	pe, conn, msgC := newTestPeer(t, 3)
	defer conn.Close()
	defer pe.Close()

	// Drive the peer's bitfield via its wire path: send a Bitfield message
	// from the remote side of the pipe, then wait for Run to forward it on
	// msgC, which happens only after the local bitfield has been updated.
	go func() {
		_ = peerprotocol.WriteMessage(conn, peerprotocol.BitfieldMessage{Data: []byte{0xE0}})
	}()
	<-msgC

	got := pp.NextPieceFor(pe, 0, nil)
	if got == nil {
		t.Fatal("expected a piece to be selected")
	}
	if got.Index != 2 {
		t.Fatalf("expected highest-priority piece 2 selected first, got %d", got.Index)
	}
}

func TestInFlightRingExcludesAlreadyAssignedUnlessEndgame(t *testing.T) {
	pieces := mkPieces(1)
	pp := New(pieces)
	// One remaining part is below the default threshold of 16, which would
	// put the picker in endgame; a zero threshold keeps it out.
	pp.endgameThreshold = 0
	pp.inFlight[0] = struct{}{}

	pe, conn, msgC := newTestPeer(t, 1)
	defer conn.Close()
	defer pe.Close()
	go func() {
		_ = peerprotocol.WriteMessage(conn, peerprotocol.BitfieldMessage{Data: []byte{0x80}})
	}()
	<-msgC

	if got := pp.NextPieceFor(pe, 0, nil); got != nil {
		t.Fatalf("expected no piece outside endgame, got index %d", got.Index)
	}
}
