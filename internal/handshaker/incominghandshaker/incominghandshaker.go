// Package incominghandshaker completes the inbound side of a handshake for
// an already-accepted connection, as a standalone goroutine reporting its
// result on a channel (spec §4.6/§4.7).
package incominghandshaker

import (
	"net"

	"github.com/yoep/torrentcore/internal/btconn"
)

// IncomingHandshaker handshakes an accepted Conn; Result carries the
// outcome once Run returns.
type IncomingHandshaker struct {
	Conn   net.Conn
	Result *btconn.HandshakeResult
	Err    error

	ourID   [20]byte
	fast    bool
	ltep    bool
	dht     bool
	isKnown func(infoHash [20]byte) bool
}

// New returns a handshaker ready to Run in a new goroutine. isKnown
// resolves the remote's declared info hash to a torrent this session is
// serving; an unknown hash aborts the handshake.
func New(conn net.Conn, ourID [20]byte, fast, ltep, dht bool, isKnown func([20]byte) bool) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn, ourID: ourID, fast: fast, ltep: ltep, dht: dht, isKnown: isKnown}
}

// Run completes the handshake and signals resultC with itself.
func (h *IncomingHandshaker) Run(resultC chan<- *IncomingHandshaker) {
	h.Result, h.Err = btconn.Accept(h.Conn, h.ourID, h.fast, h.ltep, h.dht, h.isKnown)
	if h.Err != nil {
		h.Conn.Close()
	}
	resultC <- h
}
