// Package udptracker implements the BEP 15 UDP tracker protocol: a
// connect/announce handshake with exponential retry back-off.
package udptracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/yoep/torrentcore/internal/tracker"
)

const (
	protocolID      = 0x41727101980
	actionConnect   = 0
	actionAnnounce  = 1
	actionScrape    = 2
	actionError     = 3
	connectionTTL   = 1 * time.Minute
	maxRetries      = 8
	initialBackoff  = 15 * time.Second
	ipv4RecordBytes = 6
)

// Tracker is a BEP 15 UDP tracker client.
type Tracker struct {
	addr string

	mu           sync.Mutex
	connID       uint64
	connIDExpiry time.Time
}

// New returns a Tracker for the udp://host:port address addr.
func New(addr string) *Tracker {
	return &Tracker{addr: addr}
}

func (t *Tracker) URL() string { return "udp://" + t.addr }

func newTransactionID() uint32 {
	return rand.Uint32() // nolint:gosec // transaction ids need uniqueness, not secrecy
}

// withRetry runs fn, retrying with BEP 15's 15*2^n second back-off up to
// maxRetries times or until ctx is done.
func withRetry(ctx context.Context, fn func(timeout time.Duration) error) error {
	var err error
	for n := 0; n < maxRetries; n++ {
		timeout := initialBackoff * time.Duration(1<<uint(n))
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(timeout)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attemptCtx.Err() != context.DeadlineExceeded {
			return err
		}
	}
	return fmt.Errorf("udptracker: exhausted %d retries: %w", maxRetries, err)
}

func (t *Tracker) connectionID(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	t.mu.Lock()
	if t.connID != 0 && time.Now().Before(t.connIDExpiry) {
		id := t.connID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	var id uint64
	err := withRetry(ctx, func(timeout time.Duration) error {
		txID := newTransactionID()
		req := make([]byte, 16)
		binary.BigEndian.PutUint64(req[0:8], protocolID)
		binary.BigEndian.PutUint32(req[8:12], actionConnect)
		binary.BigEndian.PutUint32(req[12:16], txID)
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		if _, err := conn.Write(req); err != nil {
			return err
		}
		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil {
			return err
		}
		if n < 16 {
			return errors.New("udptracker: short connect response")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return errors.New("udptracker: transaction id mismatch")
		}
		if binary.BigEndian.Uint32(resp[0:4]) == actionError {
			return fmt.Errorf("udptracker: connect error: %s", resp[8:n])
		}
		id = binary.BigEndian.Uint64(resp[8:16])
		return nil
	})
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.connID = id
	t.connIDExpiry = time.Now().Add(connectionTTL)
	t.mu.Unlock()
	return id, nil
}

// Announce performs a BEP 15 connect+announce round trip.
func (t *Tracker) Announce(ctx context.Context, req tracker.Torrent) (*tracker.AnnounceResponse, error) {
	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	var result *tracker.AnnounceResponse
	err = withRetry(ctx, func(timeout time.Duration) error {
		txID := newTransactionID()
		out := make([]byte, 98)
		binary.BigEndian.PutUint64(out[0:8], connID)
		binary.BigEndian.PutUint32(out[8:12], actionAnnounce)
		binary.BigEndian.PutUint32(out[12:16], txID)
		copy(out[16:36], req.InfoHash)
		copy(out[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(out[56:64], uint64(req.BytesDownloaded))
		binary.BigEndian.PutUint64(out[64:72], uint64(req.BytesLeft))
		binary.BigEndian.PutUint64(out[72:80], uint64(req.BytesUploaded))
		binary.BigEndian.PutUint32(out[80:84], uint32(eventCode(req.Event)))
		// ip = 0 (default), key = random, num_want = -1 (default), port.
		binary.BigEndian.PutUint32(out[84:88], 0)
		binary.BigEndian.PutUint32(out[88:92], rand.Uint32()) // nolint:gosec
		numWant := int32(-1)
		if req.NumWant > 0 {
			numWant = int32(req.NumWant)
		}
		binary.BigEndian.PutUint32(out[92:96], uint32(numWant))
		binary.BigEndian.PutUint16(out[96:98], uint16(req.Port))

		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		if _, err := conn.Write(out); err != nil {
			return err
		}
		resp := make([]byte, 20+6*1000)
		n, err := conn.Read(resp)
		if err != nil {
			return err
		}
		if n < 20 {
			return errors.New("udptracker: short announce response")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return errors.New("udptracker: transaction id mismatch")
		}
		if binary.BigEndian.Uint32(resp[0:4]) == actionError {
			return fmt.Errorf("udptracker: announce error: %s", resp[8:n])
		}
		interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second
		leechers := int(binary.BigEndian.Uint32(resp[12:16]))
		seeders := int(binary.BigEndian.Uint32(resp[16:20]))
		peers := decodeIPv4Peers(resp[20:n])
		result = &tracker.AnnounceResponse{
			Interval: tracker.NormalizeInterval(interval),
			Leechers: leechers,
			Seeders:  seeders,
			Peers:    peers,
		}
		return nil
	})
	return result, err
}

func decodeIPv4Peers(b []byte) []*net.TCPAddr {
	var out []*net.TCPAddr
	for i := 0; i+ipv4RecordBytes <= len(b); i += ipv4RecordBytes {
		ip := net.IP(b[i : i+4])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out
}

func eventCode(e tracker.Event) int {
	switch e {
	case tracker.EventStarted:
		return 2
	case tracker.EventCompleted:
		return 1
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}

// Scrape performs a BEP 15 connect+scrape round trip. Results are keyed by
// the raw 20-byte info hash cast to a string, matching httptracker's
// BEP 48 dict-key convention so callers can treat both trackers' scrape
// results identically.
func (t *Tracker) Scrape(ctx context.Context, hashes [][]byte) (map[string]tracker.ScrapeResult, error) {
	if len(hashes) == 0 {
		return map[string]tracker.ScrapeResult{}, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	var result map[string]tracker.ScrapeResult
	err = withRetry(ctx, func(timeout time.Duration) error {
		txID := newTransactionID()
		out := make([]byte, 16+20*len(hashes))
		binary.BigEndian.PutUint64(out[0:8], connID)
		binary.BigEndian.PutUint32(out[8:12], actionScrape)
		binary.BigEndian.PutUint32(out[12:16], txID)
		for i, h := range hashes {
			copy(out[16+i*20:16+(i+1)*20], h)
		}

		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		if _, err := conn.Write(out); err != nil {
			return err
		}
		resp := make([]byte, 8+12*len(hashes))
		n, err := conn.Read(resp)
		if err != nil {
			return err
		}
		if n < 8 {
			return errors.New("udptracker: short scrape response")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return errors.New("udptracker: transaction id mismatch")
		}
		if binary.BigEndian.Uint32(resp[0:4]) == actionError {
			return fmt.Errorf("udptracker: scrape error: %s", resp[8:n])
		}
		body := resp[8:n]
		out2 := make(map[string]tracker.ScrapeResult, len(hashes))
		for i, h := range hashes {
			off := i * 12
			if off+12 > len(body) {
				break // tracker returned fewer records than requested
			}
			out2[string(h)] = tracker.ScrapeResult{
				Seeders:   int(binary.BigEndian.Uint32(body[off : off+4])),
				Completed: int(binary.BigEndian.Uint32(body[off+4 : off+8])),
				Leechers:  int(binary.BigEndian.Uint32(body[off+8 : off+12])),
			}
		}
		result = out2
		return nil
	})
	return result, err
}
