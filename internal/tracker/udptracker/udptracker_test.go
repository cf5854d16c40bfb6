package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/yoep/torrentcore/internal/tracker"
)

func TestDecodeIPv4Peers(t *testing.T) {
	b := []byte{192, 168, 1, 1, 0x1A, 0xE1} // port 6881
	peers := decodeIPv4Peers(b)
	if len(peers) != 1 || peers[0].Port != 6881 || peers[0].IP.String() != "192.168.1.1" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestEventCode(t *testing.T) {
	cases := map[tracker.Event]int{
		tracker.EventStarted:   2,
		tracker.EventCompleted: 1,
		tracker.EventStopped:   3,
		tracker.EventNone:      0,
	}
	for ev, want := range cases {
		if got := eventCode(ev); got != want {
			t.Errorf("eventCode(%v) = %d, want %d", ev, got, want)
		}
	}
}

// fakeServer is a minimal BEP 15 tracker speaking just enough of the
// connect/announce/scrape exchange for a round-trip test.
type fakeServer struct {
	conn   *net.UDPConn
	connID uint64
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{conn: conn, connID: 0xdeadbeefcafe}
	go s.serve(t)
	return s
}

func (s *fakeServer) serve(t *testing.T) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		action := binary.BigEndian.Uint32(req[8:12])
		txID := req[12:16]
		switch action {
		case actionConnect:
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			copy(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], s.connID)
			s.conn.WriteToUDP(resp, addr)
		case actionAnnounce:
			resp := make([]byte, 26)
			binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
			copy(resp[4:8], txID)
			binary.BigEndian.PutUint32(resp[8:12], 1800)
			binary.BigEndian.PutUint32(resp[12:16], 3)  // leechers
			binary.BigEndian.PutUint32(resp[16:20], 5)  // seeders
			resp[20], resp[21], resp[22], resp[23] = 10, 0, 0, 1
			resp[24], resp[25] = 0x1A, 0xE1 // port 6881
			s.conn.WriteToUDP(resp, addr)
		case actionScrape:
			numHashes := (n - 16) / 20
			resp := make([]byte, 8+12*numHashes)
			binary.BigEndian.PutUint32(resp[0:4], actionScrape)
			copy(resp[4:8], txID)
			for i := 0; i < numHashes; i++ {
				off := 8 + i*12
				binary.BigEndian.PutUint32(resp[off:off+4], uint32(7))
				binary.BigEndian.PutUint32(resp[off+4:off+8], uint32(2))
				binary.BigEndian.PutUint32(resp[off+8:off+12], uint32(1))
			}
			s.conn.WriteToUDP(resp, addr)
		}
	}
}

func (s *fakeServer) close() { s.conn.Close() }

func TestAnnounceAndScrapeRoundTrip(t *testing.T) {
	srv := startFakeServer(t)
	defer srv.close()

	tr := New(srv.conn.LocalAddr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	ar, err := tr.Announce(ctx, tracker.Torrent{InfoHash: infoHash[:], Port: 6881})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if ar.Seeders != 5 || ar.Leechers != 3 {
		t.Fatalf("unexpected announce response: %+v", ar)
	}
	if len(ar.Peers) != 1 || ar.Peers[0].Port != 6881 {
		t.Fatalf("unexpected peers: %+v", ar.Peers)
	}

	sr, err := tr.Scrape(ctx, [][]byte{infoHash[:]})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	res, ok := sr[string(infoHash[:])]
	if !ok {
		t.Fatalf("expected scrape result for requested hash, got %+v", sr)
	}
	if res.Seeders != 7 || res.Completed != 2 || res.Leechers != 1 {
		t.Fatalf("unexpected scrape result: %+v", res)
	}
}

func TestScrapeEmptyHashesReturnsEmptyMap(t *testing.T) {
	tr := New("127.0.0.1:1")
	got, err := tr.Scrape(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}
