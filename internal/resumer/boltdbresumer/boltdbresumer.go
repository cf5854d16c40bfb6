// Package boltdbresumer is the boltdb-backed resumer.Resumer implementation,
// and also backs the session-wide peer-hint cache (spec §4.10).
package boltdbresumer

import (
	"encoding/json"

	"github.com/boltdb/bolt"
	"github.com/yoep/torrentcore/internal/resumer"
)

var (
	bitfieldKey = []byte("bitfield")
	statsKey    = []byte("stats")
)

// Resumer persists one torrent's resume state in a bolt bucket named after
// its info-hash hex string.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
}

// New returns a Resumer scoped to bucket (created if absent).
func New(db *bolt.DB, bucket string) (*Resumer, error) {
	b := []byte(bucket)
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: b}, nil
}

func (r *Resumer) WriteBitfield(b []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).Put(bitfieldKey, b)
	})
}

func (r *Resumer) ReadBitfield() ([]byte, error) {
	var out []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(r.bucket).Get(bitfieldKey)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (r *Resumer) WriteStats(s resumer.Stats) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).Put(statsKey, b)
	})
}

// PeerCache is a bounded store of last-known peer lists keyed by info-hash
// hex string, backing the session-wide cache of spec §3/§4.10 (bound 10).
// It keeps no access or insertion order: Get does not refresh an entry, and
// eviction removes the keys that sort first in bolt's byte order.
type PeerCache struct {
	db     *bolt.DB
	bucket []byte
	limit  int
}

// NewPeerCache returns a PeerCache bounded to limit entries.
func NewPeerCache(db *bolt.DB, bucket string, limit int) (*PeerCache, error) {
	b := []byte(bucket)
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PeerCache{db: db, bucket: b, limit: limit}, nil
}

// Put stores the peer list for infoHashHex and, if the cache is over its
// bound, deletes entries starting from the lowest key in byte order (not
// the oldest or least recently used) until it is back within the bound.
func (c *PeerCache) Put(infoHashHex string, peers [][]byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(c.bucket)
		buf, err := json.Marshal(peers)
		if err != nil {
			return err
		}
		if err := bk.Put([]byte(infoHashHex), buf); err != nil {
			return err
		}
		return c.evictOverLimitLocked(bk)
	})
}

func (c *PeerCache) evictOverLimitLocked(bk *bolt.Bucket) error {
	n := bk.Stats().KeyN
	if n <= c.limit {
		return nil
	}
	cur := bk.Cursor()
	toEvict := n - c.limit
	for k, _ := cur.First(); k != nil && toEvict > 0; k, _ = cur.Next() {
		if err := bk.Delete(k); err != nil {
			return err
		}
		toEvict--
	}
	return nil
}

// Get returns the cached peer list for infoHashHex, if present.
func (c *PeerCache) Get(infoHashHex string) ([][]byte, bool) {
	var peers [][]byte
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(c.bucket).Get([]byte(infoHashHex))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &peers); err != nil {
			return err
		}
		found = true
		return nil
	})
	return peers, found
}
