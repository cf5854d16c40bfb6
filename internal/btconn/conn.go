// Package btconn dials and accepts BitTorrent peer connections: it drives
// the handshake (spec §4.5) and hands back a ready net.Conn plus the
// negotiated peer id and extension bits.
package btconn

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/yoep/torrentcore/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("btconn: info hash mismatch")
	// ErrOwnConnection is returned when a peer's id matches our own,
	// indicating we dialed or accepted a connection to ourselves.
	ErrOwnConnection = errors.New("btconn: dropped own connection")
)

type readWriter struct {
	io.Reader
	io.Writer
}

// rwConn wraps a net.Conn with a possibly different Reader/Writer pair.
// The teacher used this seam to splice in an MSE/RC4 obfuscation layer
// after the initial bytes; we keep the seam (clear-text passthrough only,
// link encryption is out of scope) so a future transport can still hook in
// without touching the handshake flow.
type rwConn struct {
	rw io.ReadWriter
	net.Conn
}

func (c *rwConn) Read(p []byte) (n int, err error)  { return c.rw.Read(p) }
func (c *rwConn) Write(p []byte) (n int, err error) { return c.rw.Write(p) }

// HandshakeResult is the outcome of a completed handshake.
type HandshakeResult struct {
	Conn          net.Conn
	PeerID        [20]byte
	InfoHash      [20]byte
	FastExtension bool
	Extended      bool
	DHT           bool
}

const handshakeDeadline = 30 * time.Second

// Dial opens an outbound TCP connection to addr and performs the BitTorrent
// handshake for infoHash, disconnecting if the remote's returned info hash
// does not match (spec §4.5) or if its peer id is our own.
func Dial(addr *net.TCPAddr, ourID [20]byte, infoHash [20]byte, fast, ltep, dht bool) (*HandshakeResult, error) {
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	return HandshakeOutbound(conn, ourID, infoHash, fast, ltep, dht)
}

// HandshakeOutbound drives the we-speak-first handshake over an
// already-established conn, closing it on failure. Used directly by Dial
// (TCP) and by transports that establish their own connection first, such
// as µTP, which dial through their own socket type rather than net.DialTCP.
func HandshakeOutbound(conn net.Conn, ourID, infoHash [20]byte, fast, ltep, dht bool) (*HandshakeResult, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	res, err := handshake(&rwConn{rw: conn, Conn: conn}, ourID, &infoHash, fast, ltep, dht)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return res, nil
}

// Accept completes the inbound side of the handshake on an already-accepted
// connection. isKnown reports whether the remote's declared info hash
// belongs to a known torrent; an unknown hash aborts the handshake, matching
// the pattern of incominghandshaker dispatch to the session's torrent set.
func Accept(conn net.Conn, ourID [20]byte, fast, ltep, dht bool, isKnown func(infoHash [20]byte) bool) (*HandshakeResult, error) {
	rw := &rwConn{rw: conn, Conn: conn}
	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	peerHS, err := peerprotocol.ReadHandshake(rw)
	if err != nil {
		return nil, err
	}
	if !isKnown(peerHS.InfoHash) {
		return nil, errInvalidInfoHash
	}
	ourHS := peerprotocol.NewHandshakeMessage(peerHS.InfoHash, ourID, dht, fast, ltep)
	if err := ourHS.WriteTo(rw); err != nil {
		return nil, err
	}
	if peerHS.PeerID == ourID {
		return nil, ErrOwnConnection
	}
	conn.SetReadDeadline(time.Time{})
	return &HandshakeResult{
		Conn:          rw,
		PeerID:        peerHS.PeerID,
		InfoHash:      peerHS.InfoHash,
		FastExtension: peerHS.SupportsFast() && fast,
		Extended:      peerHS.SupportsExtended() && ltep,
		DHT:           peerHS.SupportsDHT() && dht,
	}, nil
}

// handshake drives the outbound (we-speak-first) handshake exchange.
func handshake(rw io.ReadWriter, ourID [20]byte, infoHash *[20]byte, fast, ltep, dht bool) (*HandshakeResult, error) {
	ourHS := peerprotocol.NewHandshakeMessage(*infoHash, ourID, dht, fast, ltep)
	if err := ourHS.WriteTo(rw); err != nil {
		return nil, err
	}
	peerHS, err := peerprotocol.ReadHandshake(rw)
	if err != nil {
		return nil, err
	}
	if peerHS.InfoHash != *infoHash {
		return nil, errInvalidInfoHash
	}
	if peerHS.PeerID == ourID {
		return nil, ErrOwnConnection
	}
	conn, _ := rw.(net.Conn)
	return &HandshakeResult{
		Conn:          conn,
		PeerID:        peerHS.PeerID,
		InfoHash:      peerHS.InfoHash,
		FastExtension: peerHS.SupportsFast() && fast,
		Extended:      peerHS.SupportsExtended() && ltep,
		DHT:           peerHS.SupportsDHT() && dht,
	}, nil
}
