package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MessageID identifies the standard wire message types (spec §4.5).
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	_ // 10..12 unused in the base protocol
	_
	_
	SuggestPiece // BEP 6
	HaveAll      // BEP 6
	HaveNone     // BEP 6
	RejectRequest
	AllowedFast
	_
	Extended MessageID = 20
)

// ErrInvalidLength is returned when a decoded frame's declared length does
// not match a fixed-size message's expected payload size.
var ErrInvalidLength = errors.New("peerprotocol: invalid message length")

// Message is implemented by every decodable/encodable wire message.
type Message interface {
	ID() MessageID
}

// ChokeMessage tells the receiver it will not be served requests.
type ChokeMessage struct{}

// ID implements Message.
func (ChokeMessage) ID() MessageID { return Choke }

// UnchokeMessage tells the receiver it may now send requests.
type UnchokeMessage struct{}

// ID implements Message.
func (UnchokeMessage) ID() MessageID { return Unchoke }

// InterestedMessage tells the receiver we want its pieces.
type InterestedMessage struct{}

// ID implements Message.
func (InterestedMessage) ID() MessageID { return Interested }

// NotInterestedMessage tells the receiver we no longer want its pieces.
type NotInterestedMessage struct{}

// ID implements Message.
func (NotInterestedMessage) ID() MessageID { return NotInterested }

// HaveMessage announces that the sender now has piece Index.
type HaveMessage struct{ Index uint32 }

// ID implements Message.
func (HaveMessage) ID() MessageID { return Have }

// BitfieldMessage carries the sender's piece bitmap.
type BitfieldMessage struct{ Data []byte }

// ID implements Message.
func (BitfieldMessage) ID() MessageID { return Bitfield }

// RequestMessage asks for a byte range of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// ID implements Message.
func (RequestMessage) ID() MessageID { return Request }

// PieceMessage is the request-message header accompanying a block transfer;
// the block payload itself is read separately by the caller to avoid an
// extra copy (mirrors the teacher's peerreader.Piece wrapper).
type PieceMessage struct {
	Index, Begin uint32
	Length       uint32
}

// ID implements Message.
func (PieceMessage) ID() MessageID { return Piece }

// CancelMessage withdraws a previously sent RequestMessage.
type CancelMessage struct {
	Index, Begin, Length uint32
}

// ID implements Message.
func (CancelMessage) ID() MessageID { return Cancel }

// PortMessage announces the sender's DHT UDP port (BEP 5).
type PortMessage struct{ Port uint16 }

// ID implements Message.
func (PortMessage) ID() MessageID { return Port }

// ExtendedMessage carries an LTEP-dispatched sub-message (BEP 10).
type ExtendedMessage struct {
	ExtendedMessageID byte
	Payload           []byte
}

// ID implements Message.
func (ExtendedMessage) ID() MessageID { return Extended }

// SuggestPieceMessage hints that Index is a good rarest-first pick (BEP 6).
type SuggestPieceMessage struct{ Index uint32 }

// ID implements Message.
func (SuggestPieceMessage) ID() MessageID { return SuggestPiece }

// HaveAllMessage replaces an initial bitfield when the sender has every
// piece (BEP 6, Fast Extension).
type HaveAllMessage struct{}

// ID implements Message.
func (HaveAllMessage) ID() MessageID { return HaveAll }

// HaveNoneMessage replaces an initial bitfield when the sender has no
// pieces (BEP 6, Fast Extension).
type HaveNoneMessage struct{}

// ID implements Message.
func (HaveNoneMessage) ID() MessageID { return HaveNone }

// RejectMessage cancels a request the peer will not honor, sent in place of
// silently dropping it (BEP 6, Fast Extension).
type RejectMessage struct{ Index, Begin, Length uint32 }

// ID implements Message.
func (RejectMessage) ID() MessageID { return RejectRequest }

// AllowedFastMessage marks Index as requestable even while we are choked
// (BEP 6, Fast Extension).
type AllowedFastMessage struct{ Index uint32 }

// ID implements Message.
func (AllowedFastMessage) ID() MessageID { return AllowedFast }

// WriteMessage frames and writes a message onto w.
func WriteMessage(w io.Writer, msg Message) error {
	var payload []byte
	switch m := msg.(type) {
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage:
		// no payload
		_ = m
	case HaveMessage:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case BitfieldMessage:
		payload = m.Data
	case RequestMessage:
		payload = encodeRequestLike(m.Index, m.Begin, m.Length)
	case CancelMessage:
		payload = encodeRequestLike(m.Index, m.Begin, m.Length)
	case PieceMessage:
		return errors.New("peerprotocol: PieceMessage must be written with WritePieceHeader and a raw block")
	case PortMessage:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.Port)
	case ExtendedMessage:
		payload = append([]byte{m.ExtendedMessageID}, m.Payload...)
	case SuggestPieceMessage:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case HaveAllMessage:
		// no payload
	case HaveNoneMessage:
		// no payload
	case RejectMessage:
		payload = encodeRequestLike(m.Index, m.Begin, m.Length)
	case AllowedFastMessage:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case nil:
		return errors.New("peerprotocol: nil message")
	}

	length := uint32(1 + len(payload))
	header := make([]byte, 4+1)
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = byte(msg.ID())
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteKeepAlive writes the zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var b [4]byte
	_, err := w.Write(b[:])
	return err
}

// WritePieceHeader writes a piece message's length prefix, id, index and
// begin, leaving the caller to stream the block payload directly from
// storage without an intermediate buffer.
func WritePieceHeader(w io.Writer, index, begin, blockLen uint32) error {
	header := make([]byte, 4+1+4+4)
	binary.BigEndian.PutUint32(header[:4], 1+4+4+blockLen)
	header[4] = byte(Piece)
	binary.BigEndian.PutUint32(header[5:9], index)
	binary.BigEndian.PutUint32(header[9:13], begin)
	_, err := w.Write(header)
	return err
}

func encodeRequestLike(index, begin, length uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	binary.BigEndian.PutUint32(b[8:12], length)
	return b
}

// ReadMessageHeader reads the length prefix and, if non-zero, the message
// id. A zero length indicates a keep-alive and ok is false.
func ReadMessageHeader(r io.Reader) (id MessageID, length uint32, ok bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, false, err
	}
	length = binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, 0, false, nil
	}
	var idBuf [1]byte
	if _, err = io.ReadFull(r, idBuf[:]); err != nil {
		return 0, 0, false, err
	}
	return MessageID(idBuf[0]), length - 1, true, nil
}

// ReadFixedPayload reads a payload known to be exactly n bytes, returning
// ErrInvalidLength if the frame declared otherwise.
func ReadFixedPayload(r io.Reader, declared uint32, n int) ([]byte, error) {
	if declared != uint32(n) {
		return nil, ErrInvalidLength
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeHave parses a have message payload.
func DecodeHave(payload []byte) HaveMessage {
	return HaveMessage{Index: binary.BigEndian.Uint32(payload)}
}

// DecodeRequest parses a request message payload.
func DecodeRequest(payload []byte) RequestMessage {
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}
}

// DecodeCancel parses a cancel message payload.
func DecodeCancel(payload []byte) CancelMessage {
	return CancelMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}
}

// DecodePieceHeader parses the index/begin header preceding a piece
// message's block payload; length is the remaining bytes, i.e. the block
// size.
func DecodePieceHeader(header []byte, remaining uint32) PieceMessage {
	return PieceMessage{
		Index:  binary.BigEndian.Uint32(header[0:4]),
		Begin:  binary.BigEndian.Uint32(header[4:8]),
		Length: remaining - 8,
	}
}

// DecodePort parses a port message payload.
func DecodePort(payload []byte) PortMessage {
	return PortMessage{Port: binary.BigEndian.Uint16(payload)}
}

// DecodeSuggestPiece parses a suggest-piece message payload.
func DecodeSuggestPiece(payload []byte) SuggestPieceMessage {
	return SuggestPieceMessage{Index: binary.BigEndian.Uint32(payload)}
}

// DecodeReject parses a reject message payload.
func DecodeReject(payload []byte) RejectMessage {
	return RejectMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}
}

// DecodeAllowedFast parses an allowed-fast message payload.
func DecodeAllowedFast(payload []byte) AllowedFastMessage {
	return AllowedFastMessage{Index: binary.BigEndian.Uint32(payload)}
}
