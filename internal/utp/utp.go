// Package utp wraps github.com/anacrolix/go-libutp so µTP sits alongside
// TCP as a transport-tagged dial/accept path (spec §6, grounded on the
// original's discovery_utp.rs UtpPeerDiscovery).
package utp

import (
	"net"
	"time"

	utp "github.com/anacrolix/go-libutp"

	"github.com/yoep/torrentcore/internal/btconn"
	"github.com/yoep/torrentcore/internal/peerconn"
)

// DialTimeout bounds how long a µTP connect attempt may take before the
// candidate is abandoned, mirroring the original's 6-second connection
// timeout.
const DialTimeout = 6 * time.Second

// Socket binds one µTP endpoint that serves both outbound dials and inbound
// accepts on the same UDP port as the session's TCP listener (spec §4.10).
type Socket struct {
	s *utp.Socket
}

// Listen binds a µTP socket on addr (":<port>", ":0" for an OS-assigned
// port, normally matching the TCP listener's port so both transports share
// one advertised port).
func Listen(addr string) (*Socket, error) {
	s, err := utp.NewSocket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Socket{s: s}, nil
}

// Port returns the bound UDP port.
func (s *Socket) Port() int {
	return s.s.Addr().(*net.UDPAddr).Port
}

// Accept blocks until an inbound µTP connection arrives or the socket is
// closed.
func (s *Socket) Accept() (net.Conn, error) {
	return s.s.Accept()
}

// Close shuts down the socket, unblocking any pending Accept.
func (s *Socket) Close() error {
	return s.s.Close()
}

// Dial connects to addr over µTP and performs the BitTorrent handshake,
// mirroring btconn.Dial's TCP path. It returns the handshake result only;
// the caller wraps the connection with peerconn.New and Transport.
func (s *Socket) Dial(addr *net.UDPAddr, ourID, infoHash [20]byte, fast, ltep, dht bool) (*btconn.HandshakeResult, error) {
	conn, err := s.s.DialTimeout(addr.String(), DialTimeout)
	if err != nil {
		return nil, err
	}
	return btconn.HandshakeOutbound(conn, ourID, infoHash, fast, ltep, dht)
}

// Transport identifies this package's connections in peerconn.New calls.
const Transport = peerconn.TransportUTP
