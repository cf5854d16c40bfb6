package peerprotocol

import "github.com/zeebo/bencode"

// Reserved LTEP message ids (BEP 10: 0 is always the extended handshake
// itself; the rest are negotiated per-connection and stored in a peer's
// ExtensionIDs map).
const ExtendedHandshakeID = 0

// Extension names as advertised in the "m" dictionary of the extended
// handshake (spec §4.5).
const (
	ExtensionUTMetadata  = "ut_metadata"
	ExtensionUTPex       = "ut_pex"
	ExtensionUTHolepunch = "ut_holepunch"
)

// ExtendedHandshakeMessage is BEP 10's bencoded extended-handshake payload.
type ExtendedHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v,omitempty"`
	Port         uint16           `bencode:"p,omitempty"`
	MetadataSize int              `bencode:"metadata_size,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	Reqq         int              `bencode:"reqq,omitempty"`
}

// NewExtendedHandshakeMessage builds the local extended handshake,
// advertising the extension ids we assign to our own outgoing messages.
func NewExtendedHandshakeMessage(version string, m map[string]uint8, metadataSize int) ExtendedHandshakeMessage {
	return ExtendedHandshakeMessage{M: m, V: version, MetadataSize: metadataSize, Reqq: 250}
}

// Encode bencodes the extended handshake.
func (m ExtendedHandshakeMessage) Encode() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// DecodeExtendedHandshake parses a peer's extended handshake payload.
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshakeMessage, error) {
	var m ExtendedHandshakeMessage
	err := bencode.DecodeBytes(payload, &m)
	return m, err
}

// ExtensionIDs dispatches an incoming ExtendedMessage by name, looked up
// from the peer's advertised "m" dictionary.
type ExtensionIDs map[string]uint8

// NameFor returns the extension name bound to id, if any.
func (e ExtensionIDs) NameFor(id uint8) (string, bool) {
	for name, eid := range e {
		if eid == id {
			return name, true
		}
	}
	return "", false
}

// UTMetadataMessage is a ut_metadata (BEP 9) sub-message.
type UTMetadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// ut_metadata message types.
const (
	UTMetadataRequest = 0
	UTMetadataData    = 1
	UTMetadataReject  = 2
)

// Encode bencodes the ut_metadata message dictionary; any accompanying raw
// metadata piece bytes (for a Data message) are appended by the caller.
func (m UTMetadataMessage) Encode() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// UTPexMessage is a ut_pex (BEP 11) sub-message: compact added/dropped peer
// lists plus per-peer flag bytes.
type UTPexMessage struct {
	Added      string `bencode:"added"`
	AddedF     string `bencode:"added.f,omitempty"`
	Added6     string `bencode:"added6,omitempty"`
	Added6F    string `bencode:"added6.f,omitempty"`
	Dropped    string `bencode:"dropped,omitempty"`
	Dropped6   string `bencode:"dropped6,omitempty"`
}

// Encode bencodes the ut_pex message.
func (m UTPexMessage) Encode() ([]byte, error) {
	return bencode.EncodeBytes(m)
}
