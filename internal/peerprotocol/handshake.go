// Package peerprotocol implements the BitTorrent peer wire protocol: the
// handshake, the length-prefixed message frame, and LTEP extension dispatch
// (spec §4.5).
package peerprotocol

import (
	"errors"
	"io"
)

// Pstr is the protocol identifier string exchanged in every handshake.
const Pstr = "BitTorrent protocol"

// HandshakeLength is the fixed wire length of a handshake message.
const HandshakeLength = 49 + len(Pstr)

// Reserved bit positions, counted from the least significant bit of the
// 8-byte reserved field (bit 0 is byte 7's LSB in BEP 10's convention).
const (
	ExtensionBitDHT = 0  // BEP 5: port message / DHT support
	ExtensionBitFast = 2 // BEP 6: Fast Extension
	ExtensionBitLTEP = 20 // BEP 10: extended handshake
)

// ErrInvalidPstrlen is returned when a handshake's protocol string length
// does not match the expected BitTorrent protocol identifier.
var ErrInvalidPstrlen = errors.New("peerprotocol: invalid pstrlen")

// HandshakeMessage is the 68-byte BitTorrent handshake.
type HandshakeMessage struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshakeMessage builds a handshake advertising the given extensions.
// infoHash is truncated/accepted as-is to 20 bytes: v1 torrents use their
// native SHA-1 digest, v2/hybrid torrents use the v1-compatible truncated
// digest for wire compatibility (BEP 52).
func NewHandshakeMessage(infoHash [20]byte, peerID [20]byte, dht, fast, ltep bool) HandshakeMessage {
	var reserved [8]byte
	if dht {
		setBit(&reserved, ExtensionBitDHT)
	}
	if fast {
		setBit(&reserved, ExtensionBitFast)
	}
	if ltep {
		setBit(&reserved, ExtensionBitLTEP)
	}
	return HandshakeMessage{Pstr: Pstr, Reserved: reserved, InfoHash: infoHash, PeerID: peerID}
}

func setBit(reserved *[8]byte, bit int) {
	byteIdx := 7 - bit/8
	reserved[byteIdx] |= 1 << uint(bit%8)
}

func testBit(reserved [8]byte, bit int) bool {
	byteIdx := 7 - bit/8
	return reserved[byteIdx]&(1<<uint(bit%8)) != 0
}

// SupportsDHT reports whether the reserved bytes advertise BEP 5 support.
func (h HandshakeMessage) SupportsDHT() bool { return testBit(h.Reserved, ExtensionBitDHT) }

// SupportsFast reports whether the reserved bytes advertise the Fast Extension.
func (h HandshakeMessage) SupportsFast() bool { return testBit(h.Reserved, ExtensionBitFast) }

// SupportsExtended reports whether the reserved bytes advertise LTEP (BEP 10).
func (h HandshakeMessage) SupportsExtended() bool { return testBit(h.Reserved, ExtensionBitLTEP) }

// WriteTo serializes the handshake onto w.
func (h HandshakeMessage) WriteTo(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(h.Pstr)))
	buf = append(buf, h.Pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake parses a handshake from r.
func ReadHandshake(r io.Reader) (HandshakeMessage, error) {
	var h HandshakeMessage
	var pstrlenBuf [1]byte
	if _, err := io.ReadFull(r, pstrlenBuf[:]); err != nil {
		return h, err
	}
	pstrlen := int(pstrlenBuf[0])
	if pstrlen != len(Pstr) {
		return h, ErrInvalidPstrlen
	}
	buf := make([]byte, pstrlen+8+20+20)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}
	h.Pstr = string(buf[:pstrlen])
	copy(h.Reserved[:], buf[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], buf[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], buf[pstrlen+28:pstrlen+48])
	return h, nil
}
