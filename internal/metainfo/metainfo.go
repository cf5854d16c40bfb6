// Package metainfo supports reading and writing .torrent byte strings
// (BEP 3/52 bencoded metainfo, v1 SHA-1 and v2 SHA-256).
package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint:gosec // piece hashing is SHA-1 per BEP 3
	"crypto/sha256"
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// MetaInfo is the top level .torrent file dictionary.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	Encoding     string             `bencode:"encoding,omitempty"`
	URLList      []string           `bencode:"url-list,omitempty"`
}

// New parses a bencoded .torrent byte stream.
func New(r io.Reader) (*MetaInfo, error) {
	var m MetaInfo
	if err := bencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	if len(m.RawInfo) == 0 {
		return nil, errors.New("metainfo: no info dict in torrent file")
	}
	info, err := NewInfo(m.RawInfo)
	if err != nil {
		return nil, err
	}
	m.Info = info
	return &m, nil
}

// NewFromBytes parses a .torrent byte string in one call.
func NewFromBytes(b []byte) (*MetaInfo, error) {
	return New(bytes.NewReader(b))
}

// Encode re-serializes the metainfo to its canonical bencoded form.
// Round-tripping a parsed MetaInfo through Encode yields a byte-identical
// result (spec §8 testable property 8), because RawInfo is preserved
// untouched rather than reconstructed from the decoded Info struct.
func (m *MetaInfo) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TrackerTiers returns the announce list grouped into tiers (§3 TorrentMetadata).
// If no announce-list is present, the single Announce URL forms one tier.
func (m *MetaInfo) TrackerTiers() [][]string {
	if len(m.AnnounceList) > 0 {
		return m.AnnounceList
	}
	if m.Announce != "" {
		return [][]string{{m.Announce}}
	}
	return nil
}

// Info is the decoded "info" dictionary: piece layout and file list.
type Info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileDict `bencode:"files,omitempty"`
	Private     int        `bencode:"private,omitempty"`

	// MetaVersion is 2 for a BEP 52 v2 torrent (SHA-256 piece layers), 0/1 for v1.
	MetaVersion int `bencode:"meta version,omitempty"`

	// InfoHash and InfoSize are derived, not part of the bencoded dict.
	InfoHash Hash   `bencode:"-"`
	InfoSize uint32 `bencode:"-"`

	raw []byte
}

// FileDict is the per-file entry of a multi-file "files" list.
type FileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	MD5Sum string   `bencode:"md5sum,omitempty"`
	// Attr carries BEP 47 attribute flags: "p" padding, "x" executable,
	// "h" hidden, "l" symlink.
	Attr string `bencode:"attr,omitempty"`
}

// NewInfo decodes a raw "info" dictionary and derives its info-hash.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	i.raw = b
	if i.MetaVersion >= 2 {
		sum := sha256.Sum256(b)
		i.InfoHash = sum[:]
	} else {
		sum := sha1.Sum(b) // nolint:gosec
		i.InfoHash = sum[:]
	}
	i.InfoSize = uint32(len(b))
	if i.PieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	return &i, nil
}

// NumPieces returns the number of pieces implied by Pieces and the hash width.
func (i *Info) NumPieces() int {
	width := i.hashWidth()
	if width == 0 {
		return 0
	}
	return len(i.Pieces) / width
}

func (i *Info) hashWidth() int {
	if i.MetaVersion >= 2 {
		return sha256.Size
	}
	return sha1.Size
}

// PieceHash returns the expected hash for piece index idx.
func (i *Info) PieceHash(idx int) []byte {
	width := i.hashWidth()
	return i.Pieces[idx*width : (idx+1)*width]
}

// TotalLength is the sum of all file lengths (single-file or multi-file).
func (i *Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// MultiFile reports whether this torrent describes more than one file.
func (i *Info) MultiFile() bool {
	return len(i.Files) > 0
}
