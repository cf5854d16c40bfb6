package peerprotocol

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var ih [20]byte
	copy(ih[:], bytes.Repeat([]byte{0xAB}, 20))
	var peerID [20]byte
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, 20))

	h := NewHandshakeMessage(ih, peerID, true, true, true)
	var buf bytes.Buffer
	if err := h.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HandshakeLength {
		t.Fatalf("expected %d bytes, got %d", HandshakeLength, buf.Len())
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.InfoHash != ih || got.PeerID != peerID {
		t.Fatal("round trip mismatch")
	}
	if !got.SupportsDHT() || !got.SupportsFast() || !got.SupportsExtended() {
		t.Fatal("expected all three extension bits set")
	}
}

func TestRequestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := RequestMessage{Index: 3, Begin: 16384, Length: 16384}
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatal(err)
	}
	id, length, ok, err := ReadMessageHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != Request || length != 12 {
		t.Fatalf("unexpected header: id=%v length=%v ok=%v", id, length, ok)
	}
	payload, err := ReadFixedPayload(&buf, length, 12)
	if err != nil {
		t.Fatal(err)
	}
	got := DecodeRequest(payload)
	if got != req {
		t.Fatalf("expected %+v, got %+v", req, got)
	}
}

func TestKeepAliveHasZeroLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteKeepAlive(&buf); err != nil {
		t.Fatal(err)
	}
	_, _, ok, err := ReadMessageHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected keep-alive to report ok=false")
	}
}

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	m := NewExtendedHandshakeMessage("torrentcore/0.1", map[string]uint8{
		ExtensionUTMetadata: 1,
		ExtensionUTPex:      2,
	}, 1024)
	b, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeExtendedHandshake(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.MetadataSize != 1024 || got.M[ExtensionUTMetadata] != 1 {
		t.Fatalf("unexpected decode: %+v", got)
	}
	ids := ExtensionIDs(got.M)
	name, ok := ids.NameFor(2)
	if !ok || name != ExtensionUTPex {
		t.Fatalf("expected ut_pex bound to id 2, got %q ok=%v", name, ok)
	}
}
