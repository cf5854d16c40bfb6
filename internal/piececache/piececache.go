// Package piececache is a bounded read-through cache of recently-served
// piece bytes, sitting in front of the storage layer so a popular piece
// served to many peers is read from disk once (spec §4.2/§4.8 permit
// issuance path feeds PieceWriter.ReadBlock via this cache).
package piececache

import (
	"container/list"
	"sync"

	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/storage"
)

// DefaultMaxBytes bounds the cache's resident set; entries beyond this are
// evicted least-recently-used first.
const DefaultMaxBytes = 256 * 1024 * 1024

// Cache serves ReadBlock requests, caching whole pieces on miss.
type Cache struct {
	mu       sync.Mutex
	layout   *piece.Layout
	mgr      *storage.Manager
	maxBytes int64
	curBytes int64
	ll       *list.List // of *entry, front = most recently used
	index    map[uint32]*list.Element
}

type entry struct {
	pieceIndex uint32
	data       []byte
}

// New returns a cache reading through to mgr for the given layout.
func New(layout *piece.Layout, mgr *storage.Manager, maxBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		layout:   layout,
		mgr:      mgr,
		maxBytes: maxBytes,
		ll:       list.New(),
		index:    make(map[uint32]*list.Element),
	}
}

// ReadBlock returns length bytes at (index, begin) within the torrent,
// satisfying from the cache when possible. It implements
// peerwriter.PieceSource.
func (c *Cache) ReadBlock(index, begin, length uint32) ([]byte, error) {
	data, err := c.pieceBytes(index)
	if err != nil {
		return nil, err
	}
	return data[begin : begin+length], nil
}

func (c *Cache) pieceBytes(index uint32) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.index[index]; ok {
		c.ll.MoveToFront(el)
		data := el.Value.(*entry).data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	data, err := c.readFromStorage(index)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insertLocked(index, data)
	c.mu.Unlock()
	return data, nil
}

func (c *Cache) readFromStorage(index uint32) ([]byte, error) {
	p := c.layout.Piece(int(index))
	start := p.OffsetInTorrent
	end := start + int64(p.Length)
	buf := make([]byte, p.Length)
	for _, ov := range c.layout.FilesOverlapping(start, end) {
		if ov.File.Attr.Padding {
			continue
		}
		got, err := c.mgr.Read(ov.File.Index, ov.IOStart, int(ov.IOEnd-ov.IOStart))
		if err != nil {
			return nil, err
		}
		relStart := ov.TorrentStart - start
		copy(buf[relStart:relStart+int64(len(got))], got)
	}
	return buf, nil
}

func (c *Cache) insertLocked(index uint32, data []byte) {
	el := c.ll.PushFront(&entry{pieceIndex: index, data: data})
	c.index[index] = el
	c.curBytes += int64(len(data))
	for c.curBytes > c.maxBytes && c.ll.Len() > 1 {
		back := c.ll.Back()
		if back == nil {
			break
		}
		ev := back.Value.(*entry)
		c.ll.Remove(back)
		delete(c.index, ev.pieceIndex)
		c.curBytes -= int64(len(ev.data))
	}
}

// Invalidate drops a piece from the cache, used when its on-disk bytes are
// rewritten (e.g. hash-mismatch requeue clears the buffer upstream, but a
// previously cached good copy must not be served after the file changes
// underneath it).
func (c *Cache) Invalidate(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[index]; ok {
		ev := el.Value.(*entry)
		c.ll.Remove(el)
		delete(c.index, index)
		c.curBytes -= int64(len(ev.data))
	}
}
