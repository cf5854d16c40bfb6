package dht

import (
	"fmt"
	"net"

	"github.com/zeebo/bencode"
)

// KRPC error codes (spec §4.4).
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// Message is the generic KRPC envelope: {t, y, q|r|e, a|r|e}.
type Message struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]interface{} `bencode:"a,omitempty"`
	R map[string]interface{} `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
	// BEP 42: the requester's compact address as seen by the responder.
	IP string `bencode:"ip,omitempty"`
	// Undocumented compatibility field some clients echo (spec §6).
	Port int `bencode:"port,omitempty"`
}

// Encode serializes the message to its bencoded wire form.
func (m *Message) Encode() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// Decode parses a bencoded KRPC message.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := bencode.DecodeBytes(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewQuery builds a query message carrying the caller-supplied transaction
// id t.
func NewQuery(t string, q string, args map[string]interface{}) *Message {
	return &Message{T: t, Y: "q", Q: q, A: args}
}

// NewResponse builds a response echoing the query's transaction id.
func NewResponse(t string, r map[string]interface{}) *Message {
	return &Message{T: t, Y: "r", R: r}
}

// NewError builds an error response with a KRPC error code (spec §4.4:
// unknown query types -> 204, protocol errors -> 203, internal errors ->
// 202, generic -> 201).
func NewError(t string, code int, msg string) *Message {
	return &Message{T: t, Y: "e", E: []interface{}{int64(code), msg}}
}

// CompactNodeInfo encodes a slice of contacts into BEP 5's compact
// "id+ip+port" node-info string (26 bytes per IPv4 node). Contacts without
// an IPv4 address are skipped.
func CompactNodeInfo(contacts []Contact) string {
	buf := make([]byte, 0, len(contacts)*26)
	for _, c := range contacts {
		ip4 := c.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, c.ID[:]...)
		buf = append(buf, ip4...)
		buf = append(buf, byte(c.Addr.Port>>8), byte(c.Addr.Port))
	}
	return string(buf)
}

// ParseCompactNodeInfo decodes BEP 5's compact node-info string into
// contacts.
func ParseCompactNodeInfo(s string) ([]Contact, error) {
	const recLen = 26
	if len(s)%recLen != 0 {
		return nil, fmt.Errorf("dht: compact nodes length %d not a multiple of %d", len(s), recLen)
	}
	var out []Contact
	b := []byte(s)
	for i := 0; i+recLen <= len(b); i += recLen {
		var id ID
		copy(id[:], b[i:i+20])
		ip := net.IP(append([]byte(nil), b[i+20:i+24]...))
		port := int(b[i+24])<<8 | int(b[i+25])
		out = append(out, Contact{ID: id, Addr: &net.UDPAddr{IP: ip, Port: port}})
	}
	return out, nil
}

// ParseCompactPeers decodes a get_peers "values" list: each entry is a
// 6-byte compact IPv4 peer (BEP 23, no node id).
func ParseCompactPeers(values []interface{}) []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, v := range values {
		s, ok := v.(string)
		if !ok || len(s) != 6 {
			continue
		}
		b := []byte(s)
		ip := net.IP(append([]byte(nil), b[0:4]...))
		port := int(b[4])<<8 | int(b[5])
		out = append(out, &net.UDPAddr{IP: ip, Port: port})
	}
	return out
}
