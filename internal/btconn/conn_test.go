package btconn

import (
	"net"
	"testing"
	"time"

	"github.com/yoep/torrentcore/internal/peerprotocol"
)

func TestHandshakeMatchesInfoHash(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var infoHash [20]byte
	infoHash[0] = 0xAB
	var clientID, serverID [20]byte
	clientID[0] = 1
	serverID[0] = 2

	errc := make(chan error, 1)
	go func() {
		res, err := handshake(&rwConn{rw: client, Conn: client}, clientID, &infoHash, true, true, true)
		if err != nil {
			errc <- err
			return
		}
		if res.PeerID != serverID {
			errc <- errInvalidInfoHash
			return
		}
		errc <- nil
	}()

	serverRW := &rwConn{rw: server, Conn: server}
	server.SetDeadline(time.Now().Add(2 * time.Second))
	peerHS, err := peerprotocol.ReadHandshake(serverRW)
	if err != nil {
		t.Fatal(err)
	}
	if peerHS.InfoHash != infoHash {
		t.Fatal("server did not see client's info hash")
	}
	ourHS := peerprotocol.NewHandshakeMessage(infoHash, serverID, true, true, true)
	if err := ourHS.WriteTo(serverRW); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeRejectsOwnConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var infoHash, id [20]byte
	id[0] = 9

	errc := make(chan error, 1)
	go func() {
		_, err := handshake(&rwConn{rw: client, Conn: client}, id, &infoHash, false, false, false)
		errc <- err
	}()

	serverRW := &rwConn{rw: server, Conn: server}
	server.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := peerprotocol.ReadHandshake(serverRW); err != nil {
		t.Fatal(err)
	}
	ourHS := peerprotocol.NewHandshakeMessage(infoHash, id, false, false, false)
	if err := ourHS.WriteTo(serverRW); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; err != ErrOwnConnection {
		t.Fatalf("expected ErrOwnConnection, got %v", err)
	}
}
