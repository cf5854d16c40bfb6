// Package httptracker implements the BEP 3 HTTP/HTTPS tracker announce and
// scrape protocol.
package httptracker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/yoep/torrentcore/internal/tracker"
	"github.com/zeebo/bencode"
)

// unreservedSet is the ASCII set BEP 3 leaves unescaped when binary-encoding
// an info-hash into a query string.
const unreservedSet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// percentEncode percent-encodes b, leaving only unreservedSet bytes literal,
// per spec §4.3 ("the ASCII set [A-Za-z0-9\-._~] is left unreserved").
func percentEncode(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if strings.IndexByte(unreservedSet, c) >= 0 {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// Tracker is a BEP 3 HTTP/HTTPS tracker client.
type Tracker struct {
	url    string
	client *resty.Client
}

// New returns a Tracker announcing to url.
func New(url string) *Tracker {
	return &Tracker{url: url, client: resty.New()}
}

func (t *Tracker) URL() string { return t.url }

type announceResponse struct {
	FailureReason string             `bencode:"failure reason"`
	Interval      int64              `bencode:"interval"`
	Complete      int                `bencode:"complete"`
	Incomplete    int                `bencode:"incomplete"`
	Peers         bencode.RawMessage `bencode:"peers"`
}

// Announce performs one BEP 3 announce.
func (t *Tracker) Announce(ctx context.Context, req tracker.Torrent) (*tracker.AnnounceResponse, error) {
	u := t.buildURL(req)
	resp, err := t.client.R().SetContext(ctx).Get(u)
	if err != nil {
		return nil, err
	}
	var ar announceResponse
	if err := bencode.DecodeBytes(resp.Body(), &ar); err != nil {
		return nil, fmt.Errorf("httptracker: decode response: %w", err)
	}
	if ar.FailureReason != "" {
		return nil, &tracker.AnnounceError{Reason: ar.FailureReason}
	}
	peers, err := decodePeers(ar.Peers)
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResponse{
		Interval: tracker.NormalizeInterval(time.Duration(ar.Interval) * time.Second),
		Leechers: ar.Incomplete,
		Seeders:  ar.Complete,
		Peers:    peers,
	}, nil
}

func (t *Tracker) buildURL(req tracker.Torrent) string {
	sep := "?"
	if strings.Contains(t.url, "?") {
		sep = "&"
	}
	u := fmt.Sprintf("%s%sinfo_hash=%s&peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=1",
		t.url, sep,
		percentEncode(req.InfoHash),
		percentEncode(req.PeerID[:]),
		req.Port, req.BytesUploaded, req.BytesDownloaded, req.BytesLeft)
	if ev := req.Event.String(); ev != "" {
		u += "&event=" + ev
	}
	if req.NumWant > 0 {
		u += "&numwant=" + strconv.Itoa(req.NumWant)
	}
	return u
}

// decodePeers decodes a compact peer list as flat 6-byte (IPv4) records.
// 18-byte (IPv6) records are not recognised: every multiple of 18 is also a
// multiple of 6, so decodeCompactPeers always splits by 6, and the peers6
// key is not read.
func decodePeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	var compact string
	if err := bencode.DecodeBytes(raw, &compact); err == nil {
		return decodeCompactPeers([]byte(compact))
	}
	// Fall back to the dictionary-list form ({peer id, ip, port}*).
	var list []struct {
		IP   string `bencode:"ip"`
		Port int    `bencode:"port"`
	}
	if err := bencode.DecodeBytes(raw, &list); err != nil {
		return nil, fmt.Errorf("httptracker: unrecognized peers encoding: %w", err)
	}
	out := make([]*net.TCPAddr, 0, len(list))
	for _, p := range list {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		out = append(out, &net.TCPAddr{IP: ip, Port: p.Port})
	}
	return out, nil
}

func decodeCompactPeers(b []byte) ([]*net.TCPAddr, error) {
	const v4RecordLen = 6
	const v6RecordLen = 18
	recordLen := v4RecordLen
	if len(b)%v6RecordLen == 0 && len(b)%v4RecordLen != 0 {
		recordLen = v6RecordLen
	}
	if len(b)%recordLen != 0 {
		return nil, fmt.Errorf("httptracker: compact peers length %d not a multiple of %d", len(b), recordLen)
	}
	var out []*net.TCPAddr
	for i := 0; i+recordLen <= len(b); i += recordLen {
		rec := b[i : i+recordLen]
		ip := net.IP(rec[:recordLen-2])
		port := int(rec[recordLen-2])<<8 | int(rec[recordLen-1])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out, nil
}

// Scrape performs a BEP 3 scrape for the given info hashes.
func (t *Tracker) Scrape(ctx context.Context, hashes [][]byte) (map[string]tracker.ScrapeResult, error) {
	scrapeURL, err := scrapeURLFromAnnounce(t.url)
	if err != nil {
		return nil, err
	}
	u := scrapeURL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	for _, h := range hashes {
		u += sep + "info_hash=" + percentEncode(h)
		sep = "&"
	}
	resp, err := t.client.R().SetContext(ctx).Get(u)
	if err != nil {
		return nil, err
	}
	var sr struct {
		Files map[string]struct {
			Complete   int `bencode:"complete"`
			Incomplete int `bencode:"incomplete"`
			Downloaded int `bencode:"downloaded"`
		} `bencode:"files"`
	}
	if err := bencode.DecodeBytes(resp.Body(), &sr); err != nil {
		return nil, err
	}
	out := make(map[string]tracker.ScrapeResult, len(sr.Files))
	for k, v := range sr.Files {
		out[k] = tracker.ScrapeResult{Seeders: v.Complete, Leechers: v.Incomplete, Completed: v.Downloaded}
	}
	return out, nil
}

func scrapeURLFromAnnounce(announce string) (string, error) {
	const marker = "/announce"
	idx := strings.LastIndex(announce, marker)
	if idx < 0 {
		return "", tracker.ErrNotSupported
	}
	return announce[:idx] + "/scrape" + announce[idx+len(marker):], nil
}
