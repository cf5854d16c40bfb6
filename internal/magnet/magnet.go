// Package magnet parses and builds magnet URIs (spec §6).
package magnet

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/yoep/torrentcore/internal/metainfo"
)

// ErrMissingExactTopic is returned when a magnet URI has no xt parameter.
var ErrMissingExactTopic = errors.New("magnet: missing required xt parameter")

// Magnet is a parsed magnet:?xt=urn:btih:... URI.
type Magnet struct {
	InfoHash  metainfo.Hash
	Name      string
	Trackers  []string
	PeerAddrs []string // x.pe
	WebSeeds  []string // ws
}

// FromString parses a magnet URI. Unknown parameters are ignored.
func FromString(s string) (*Magnet, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: invalid scheme %q", u.Scheme)
	}
	q := u.Query()
	xt := q.Get("xt")
	if xt == "" {
		return nil, ErrMissingExactTopic
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, fmt.Errorf("magnet: unsupported xt namespace %q", xt)
	}
	digest := xt[len(prefix):]
	ih, err := decodeDigest(digest)
	if err != nil {
		return nil, err
	}
	m := &Magnet{
		InfoHash:  ih,
		Name:      q.Get("dn"),
		Trackers:  q["tr"],
		PeerAddrs: q["x.pe"],
		WebSeeds:  q["ws"],
	}
	return m, nil
}

func decodeDigest(s string) (metainfo.Hash, error) {
	switch len(s) {
	case 40, 64:
		return metainfo.HashFromHex(s)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return nil, err
		}
		return metainfo.Hash(b), nil
	default:
		return nil, fmt.Errorf("magnet: invalid btih digest length %d", len(s))
	}
}

// String renders the magnet back to URI form. Recognized parameters round
// trip losslessly (spec §8 testable property 9); parameter order is fixed as
// xt, dn, tr*, x.pe*, ws*.
func (m *Magnet) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(m.InfoHash.String())
	if m.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.Name))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	for _, pe := range m.PeerAddrs {
		b.WriteString("&x.pe=")
		b.WriteString(url.QueryEscape(pe))
	}
	for _, ws := range m.WebSeeds {
		b.WriteString("&ws=")
		b.WriteString(url.QueryEscape(ws))
	}
	return b.String()
}

// Peers resolves the x.pe hints into TCP addresses, skipping invalid ones.
func (m *Magnet) Peers() []*net.TCPAddr {
	var out []*net.TCPAddr
	for _, pe := range m.PeerAddrs {
		host, portStr, err := net.SplitHostPort(pe)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out
}
