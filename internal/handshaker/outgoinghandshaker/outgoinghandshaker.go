// Package outgoinghandshaker dials a candidate address and performs the
// BitTorrent handshake as a standalone goroutine, reporting its result on a
// channel so the torrent control loop never blocks on network I/O
// (spec §4.6/§4.7).
package outgoinghandshaker

import (
	"net"

	"github.com/yoep/torrentcore/internal/btconn"
)

// OutgoingHandshaker dials Addr and runs the handshake in its own
// goroutine; Result carries the outcome once Run returns.
type OutgoingHandshaker struct {
	Addr   *net.TCPAddr
	Result *btconn.HandshakeResult
	Err    error

	ourID    [20]byte
	infoHash [20]byte
	fast     bool
	ltep     bool
	dht      bool
}

// New returns a handshaker ready to Run in a new goroutine.
func New(addr *net.TCPAddr, ourID, infoHash [20]byte, fast, ltep, dht bool) *OutgoingHandshaker {
	return &OutgoingHandshaker{
		Addr:     addr,
		ourID:    ourID,
		infoHash: infoHash,
		fast:     fast,
		ltep:     ltep,
		dht:      dht,
	}
}

// Run dials and handshakes, then signals resultC with itself so the
// control loop can look up Result/Err and remove this handshaker from its
// in-flight set.
func (h *OutgoingHandshaker) Run(resultC chan<- *OutgoingHandshaker) {
	h.Result, h.Err = btconn.Dial(h.Addr, h.ourID, h.infoHash, h.fast, h.ltep, h.dht)
	resultC <- h
}
