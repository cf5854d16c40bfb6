package metainfo

import "encoding/hex"

// Hash is a fixed-width torrent identity digest. V1 torrents use 20-byte
// SHA-1; v2 torrents use 32-byte SHA-256 (see spec §3 InfoHash).
type Hash []byte

// String returns the hex display of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// Equal reports whether two hashes are byte-wise identical.
func (h Hash) Equal(o Hash) bool {
	if len(h) != len(o) {
		return false
	}
	for i := range h {
		if h[i] != o[i] {
			return false
		}
	}
	return true
}

// Less orders hashes byte-wise, shorter-is-less on length mismatch.
func (h Hash) Less(o Hash) bool {
	n := len(h)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return len(h) < len(o)
}

// HashFromHex parses a hex-encoded info-hash, as found in a magnet's xt param.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return Hash(b), nil
}
