// Package peerreader runs the reader half of a peer connection: it parses
// length-prefixed frames off the socket and enqueues decoded messages for
// the connection's control loop (spec §4.6).
package peerreader

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

// PeerReader reads and decodes wire messages from conn, delivering them on
// Messages(). It does not interpret them; that is the control loop's job.
type PeerReader struct {
	conn          net.Conn
	log           logger.Logger
	fastExtension bool
	messages      chan interface{}
}

// ReadTimeout tears down the connection if no byte (not even a keep-alive)
// arrives in this long (spec §4.6 eviction: "no message for 120 seconds").
const ReadTimeout = 120 * time.Second

// New returns a reader for conn. fastExtension gates acceptance of BEP 6
// message ids.
func New(conn net.Conn, l logger.Logger, fastExtension bool) *PeerReader {
	return &PeerReader{
		conn:          conn,
		log:           l,
		fastExtension: fastExtension,
		messages:      make(chan interface{}),
	}
}

// Messages returns the channel decoded messages (or *Piece, or error) are
// delivered on. It is closed when Run returns.
func (r *PeerReader) Messages() <-chan interface{} {
	return r.messages
}

// Run reads frames until stopC is closed or a fatal read error occurs.
func (r *PeerReader) Run(stopC chan struct{}) {
	defer close(r.messages)
	for {
		r.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		msg, err := r.readMessage()
		switch err {
		case nil:
			if !r.send(stopC, msg) {
				return
			}
		case errKeepAlive, errSkippable:
			// frame consumed, nothing to deliver upstream.
		default:
			select {
			case <-stopC:
			default:
				r.send(stopC, err)
			}
			return
		}
	}
}

func (r *PeerReader) send(stopC chan struct{}, v interface{}) bool {
	select {
	case r.messages <- v:
		return true
	case <-stopC:
		return false
	}
}

var errKeepAlive = errors.New("peerreader: keep-alive")

func (r *PeerReader) readMessage() (interface{}, error) {
	id, length, ok, err := peerprotocol.ReadMessageHeader(r.conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errKeepAlive
	}
	switch id {
	case peerprotocol.Choke:
		return peerprotocol.ChokeMessage{}, drain(r.conn, length)
	case peerprotocol.Unchoke:
		return peerprotocol.UnchokeMessage{}, drain(r.conn, length)
	case peerprotocol.Interested:
		return peerprotocol.InterestedMessage{}, drain(r.conn, length)
	case peerprotocol.NotInterested:
		return peerprotocol.NotInterestedMessage{}, drain(r.conn, length)
	case peerprotocol.Have:
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 4)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodeHave(p), nil
	case peerprotocol.Bitfield:
		buf := make([]byte, length)
		if _, err := io.ReadFull(r.conn, buf); err != nil {
			return nil, err
		}
		return peerprotocol.BitfieldMessage{Data: buf}, nil
	case peerprotocol.Request:
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 12)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodeRequest(p), nil
	case peerprotocol.Cancel:
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 12)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodeCancel(p), nil
	case peerprotocol.Piece:
		if length < 8 {
			return nil, peerprotocol.ErrInvalidLength
		}
		header := make([]byte, 8)
		if _, err := io.ReadFull(r.conn, header); err != nil {
			return nil, err
		}
		pm := peerprotocol.DecodePieceHeader(header, length)
		data := make([]byte, pm.Length)
		if _, err := io.ReadFull(r.conn, data); err != nil {
			return nil, err
		}
		return &Piece{PieceMessage: pm, Data: data}, nil
	case peerprotocol.Port:
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 2)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodePort(p), nil
	case peerprotocol.SuggestPiece:
		if !r.fastExtension {
			return nil, drainUnknown(r.conn, length)
		}
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 4)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodeSuggestPiece(p), nil
	case peerprotocol.HaveAll:
		if !r.fastExtension {
			return nil, drainUnknown(r.conn, length)
		}
		return peerprotocol.HaveAllMessage{}, drain(r.conn, length)
	case peerprotocol.HaveNone:
		if !r.fastExtension {
			return nil, drainUnknown(r.conn, length)
		}
		return peerprotocol.HaveNoneMessage{}, drain(r.conn, length)
	case peerprotocol.RejectRequest:
		if !r.fastExtension {
			return nil, drainUnknown(r.conn, length)
		}
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 12)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodeReject(p), nil
	case peerprotocol.AllowedFast:
		if !r.fastExtension {
			return nil, drainUnknown(r.conn, length)
		}
		p, err := peerprotocol.ReadFixedPayload(r.conn, length, 4)
		if err != nil {
			return nil, err
		}
		return peerprotocol.DecodeAllowedFast(p), nil
	case peerprotocol.Extended:
		if length < 1 {
			return nil, peerprotocol.ErrInvalidLength
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r.conn, buf); err != nil {
			return nil, err
		}
		return peerprotocol.ExtendedMessage{ExtendedMessageID: buf[0], Payload: buf[1:]}, nil
	default:
		return nil, drainUnknown(r.conn, length)
	}
}

func drain(conn net.Conn, length uint32) error {
	if length == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, conn, int64(length))
	return err
}

// drainUnknown consumes an unrecognized message's payload so framing stays
// in sync, then returns a nil message upstream via errKeepAlive-style
// signalling (the caller treats the nil, nil-like path as skippable).
func drainUnknown(conn net.Conn, length uint32) error {
	if err := drain(conn, length); err != nil {
		return err
	}
	return errSkippable
}

var errSkippable = errors.New("peerreader: skippable message")
