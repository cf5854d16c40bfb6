// Package session provides a BitTorrent engine capable of driving many
// torrents in parallel behind a single shared set of discovery sockets.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/yoep/torrentcore/internal/acceptor"
	"github.com/yoep/torrentcore/internal/blocklist"
	"github.com/yoep/torrentcore/internal/dht"
	"github.com/yoep/torrentcore/internal/event"
	"github.com/yoep/torrentcore/internal/handshaker/incominghandshaker"
	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/magnet"
	"github.com/yoep/torrentcore/internal/metainfo"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/resumer/boltdbresumer"
	"github.com/yoep/torrentcore/internal/trackermanager"
	"github.com/yoep/torrentcore/internal/utp"
)

const peerCacheBucket = "peer-cache"

// Session is the top-level owner of every torrent, the shared discovery
// sockets (TCP listener, µTP socket, DHT node) and the resume database
// (spec §4.10).
type Session struct {
	cfg    Config
	log    logger.Logger
	db     *bolt.DB
	peerID [20]byte

	blocklist *blocklist.Blocklist
	peerCache *boltdbresumer.PeerCache

	accept *acceptor.Acceptor
	utpSoc *utp.Socket
	dht    *dht.Node
	port   int

	events *event.Bus[SessionEvent]

	mu                 sync.RWMutex
	torrents           map[Handle]*Controller
	torrentsByInfoHash map[[20]byte]*Controller

	closeC chan struct{}
}

// New opens (or creates) the resume database, binds the shared TCP/µTP
// listeners and, if enabled, the DHT node, and returns a ready Session.
func New(cfg Config) (*Session, error) {
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0o750); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}

	l := logger.New("session")

	db, err := bolt.Open(cfg.Database, 0o640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("session database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	closeDBOnErr := true
	defer func() {
		if closeDBOnErr {
			db.Close()
		}
	}()

	peerCache, err := boltdbresumer.NewPeerCache(db, peerCacheBucket, cfg.PeerHintCacheSize)
	if err != nil {
		return nil, err
	}

	acc, utpSoc, port, err := bindShared(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		log:       l,
		db:        db,
		peerID:    newPeerID(),
		blocklist: blocklist.New(),
		peerCache: peerCache,
		accept:    acc,
		utpSoc:    utpSoc,
		port:      port,

		events: event.NewBus[SessionEvent](),

		torrents:           make(map[Handle]*Controller),
		torrentsByInfoHash: make(map[[20]byte]*Controller),

		closeC: make(chan struct{}),
	}

	if cfg.DHTEnabled {
		dhtAddr := fmt.Sprintf("%s:%d", cfg.DHTAddress, port)
		if cfg.DHTPort != 0 {
			dhtAddr = fmt.Sprintf("%s:%d", cfg.DHTAddress, cfg.DHTPort)
		}
		s.dht, err = dht.Listen(dhtAddr, s)
		if err != nil {
			acc.Close()
			utpSoc.Close()
			return nil, err
		}
	}

	go s.acceptLoop()
	if utpSoc != nil {
		go s.acceptUTPLoop()
	}

	closeDBOnErr = false
	return s, nil
}

// bindShared tries every port in [cfg.PortBegin, cfg.PortEnd) until it finds
// one where both the TCP listener and the µTP socket (when enabled) can
// bind, so every transport advertises the same port number (spec §4.10).
func bindShared(cfg Config) (*acceptor.Acceptor, *utp.Socket, int, error) {
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		addr := fmt.Sprintf(":%d", p)
		acc, err := acceptor.New(addr, logger.New("acceptor"))
		if err != nil {
			continue
		}
		if !cfg.UTPEnabled {
			return acc, nil, int(p), nil
		}
		soc, err := utp.Listen(addr)
		if err != nil {
			acc.Close()
			continue
		}
		return acc, soc, int(p), nil
	}
	return nil, nil, 0, errors.New("session: no free port in configured range")
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-TC0001-")
	if _, err := io.ReadFull(rand.Reader, id[8:]); err != nil {
		// fall back to a time-seeded, non-cryptographic fill; peer IDs are
		// not a security boundary.
		binary.BigEndian.PutUint64(id[8:16], uint64(time.Now().UnixNano()))
	}
	return id
}

// acceptLoop dispatches inbound TCP connections to their torrent once the
// handshake reveals which info hash they're after.
func (s *Session) acceptLoop() {
	resultC := make(chan *incominghandshaker.IncomingHandshaker, 8)
	go func() {
		for conn := range s.accept.ConnC {
			if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok && s.blocklist.Blocked(tcp.IP) {
				conn.Close()
				continue
			}
			h := incominghandshaker.New(conn, s.peerID, true, true, s.cfg.DHTEnabled, s.isKnownInfoHash)
			go h.Run(resultC)
		}
	}()
	go s.accept.Run()
	for h := range resultC {
		s.dispatchIncoming(h, peerconn.TransportTCP)
	}
}

// acceptUTPLoop mirrors acceptLoop for the µTP socket.
func (s *Session) acceptUTPLoop() {
	resultC := make(chan *incominghandshaker.IncomingHandshaker, 8)
	go func() {
		for {
			conn, err := s.utpSoc.Accept()
			if err != nil {
				return
			}
			if udp, ok := conn.RemoteAddr().(*net.UDPAddr); ok && s.blocklist.Blocked(udp.IP) {
				conn.Close()
				continue
			}
			h := incominghandshaker.New(conn, s.peerID, true, true, s.cfg.DHTEnabled, s.isKnownInfoHash)
			go h.Run(resultC)
		}
	}()
	for h := range resultC {
		s.dispatchIncoming(h, peerconn.TransportUTP)
	}
}

func (s *Session) dispatchIncoming(h *incominghandshaker.IncomingHandshaker, transport peerconn.Transport) {
	if h.Err != nil {
		return
	}
	c, ok := s.Find(s.handleForInfoHash(h.Result.InfoHash))
	if !ok {
		h.Result.Conn.Close()
		return
	}
	if transport == peerconn.TransportUTP {
		c.incomingUTPPeerC <- h.Result
	} else {
		c.incomingPeerC <- h.Result
	}
}

func (s *Session) isKnownInfoHash(infoHash [20]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.torrentsByInfoHash[infoHash]
	return ok
}

func (s *Session) handleForInfoHash(infoHash [20]byte) Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.torrentsByInfoHash[infoHash]; ok {
		return c.handle
	}
	return ""
}

// Peers implements dht.InfoHashLookup, answering get_peers queries with the
// addresses this session's matching torrent already knows about.
func (s *Session) Peers(infoHash [20]byte) []*net.UDPAddr {
	s.mu.RLock()
	c, ok := s.torrentsByInfoHash[infoHash]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	tcpAddrs := c.Addrs()
	out := make([]*net.UDPAddr, 0, len(tcpAddrs))
	for _, a := range tcpAddrs {
		out = append(out, &net.UDPAddr{IP: a.IP, Port: a.Port})
	}
	return out
}

// AddPeer implements dht.InfoHashLookup, recording a peer a DHT query
// announced for one of our torrents.
func (s *Session) AddPeer(infoHash [20]byte, addr *net.UDPAddr) {
	s.mu.RLock()
	c, ok := s.torrentsByInfoHash[infoHash]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.AddPeers([]*net.TCPAddr{{IP: addr.IP, Port: addr.Port}})
}

// AddFromURI adds a torrent from a magnet link or an HTTP(S)/local-file
// .torrent URI and, unless flags.Paused is set, starts it immediately
// (spec §4.9 add_from_uri).
func (s *Session) AddFromURI(uri string, flags AddFlags) (*Controller, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "magnet":
		return s.addMagnet(uri, flags)
	case "http", "https":
		return s.addTorrentURL(uri, flags)
	case "", "file":
		f, err := os.Open(u.Path)
		if err != nil {
			// u.Path is empty for a bare relative path like "a.torrent".
			f, err = os.Open(uri)
			if err != nil {
				return nil, err
			}
		}
		defer f.Close()
		return s.addTorrentFile(f, flags)
	default:
		return nil, fmt.Errorf("session: unsupported uri scheme %q", u.Scheme)
	}
}

func (s *Session) addTorrentURL(uri string, flags AddFlags) (*Controller, error) {
	resp, err := http.Get(uri)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.addTorrentFile(resp.Body, flags)
}

func (s *Session) addTorrentFile(r io.Reader, flags AddFlags) (*Controller, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	var infoHash [20]byte
	copy(infoHash[:], mi.Info.InfoHash)

	c, err := s.newTorrentController(infoHash)
	if err != nil {
		return nil, err
	}
	if err := c.setMetainfo(mi); err != nil {
		return nil, err
	}
	c.SetSequential(flags.SequentialDownload)
	s.seedAddrsFromCache(c, infoHash)
	s.registerTorrent(c, infoHash)
	go c.run()
	c.Start()
	if flags.Paused {
		c.Pause()
	}
	return c, nil
}

func (s *Session) addMagnet(link string, flags AddFlags) (*Controller, error) {
	m, err := magnet.FromString(link)
	if err != nil {
		return nil, err
	}
	var infoHash [20]byte
	copy(infoHash[:], m.InfoHash)

	c, err := s.newTorrentController(infoHash)
	if err != nil {
		return nil, err
	}
	// The magnet link's info hash is known immediately (it IS the URI's
	// identity), but the full info dictionary, and with it haveInfoHash,
	// only arrives once completeMetadata validates a BEP 9 transfer against
	// this hash.
	c.infoHash = infoHash
	c.name = m.Name
	c.meta9 = &metadataState{infoHash: infoHash, name: m.Name, trackers: m.Trackers}
	c.trackerMgr = trackermanager.New([][]string{m.Trackers})
	c.SetSequential(flags.SequentialDownload)
	s.seedAddrsFromCache(c, infoHash)
	c.AddPeers(m.Peers())
	s.registerTorrent(c, infoHash)
	go c.run()
	c.Start()
	if flags.Paused {
		c.Pause()
	}
	return c, nil
}

// newTorrentController allocates a Controller with its own resumer bucket
// and address list; callers finish wiring metadata before starting run().
func (s *Session) newTorrentController(infoHash [20]byte) (*Controller, error) {
	handle := newHandle()
	res, err := boltdbresumer.New(s.db, "torrent:"+hex.EncodeToString(infoHash[:]))
	if err != nil {
		return nil, err
	}
	c := newController(s, handle, s.port, s.cfg, logger.New("torrent "+string(handle)))
	c.resume = res
	c.addrList = c.newAddrList()
	return c, nil
}

func (s *Session) registerTorrent(c *Controller, infoHash [20]byte) {
	s.mu.Lock()
	s.torrents[c.handle] = c
	s.torrentsByInfoHash[infoHash] = c
	s.mu.Unlock()
	s.events.Publish(SessionEvent{Handle: c.handle, Kind: EventTorrentAdded, Timestamp: time.Now()})
}

// seedAddrsFromCache primes a newly added torrent's candidate queue with
// the last known peer set for this info hash, if the session cache has one
// (spec §4.10 peer-hint cache).
func (s *Session) seedAddrsFromCache(c *Controller, infoHash [20]byte) {
	cached, ok := s.peerCache.Get(hex.EncodeToString(infoHash[:]))
	if !ok {
		return
	}
	addrs := make([]*net.TCPAddr, 0, len(cached))
	for _, b := range cached {
		if a := compactToTCPAddr(b); a != nil {
			addrs = append(addrs, a)
		}
	}
	c.AddPeers(addrs)
}

// Find returns the torrent registered under handle, if any.
func (s *Session) Find(handle Handle) (*Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.torrents[handle]
	return c, ok
}

// Torrents returns every torrent currently registered with the session.
func (s *Session) Torrents() []*Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Controller, 0, len(s.torrents))
	for _, c := range s.torrents {
		out = append(out, c)
	}
	return out
}

// Remove stops a torrent's control loop, persists its last known peer set
// into the session cache, and optionally deletes its downloaded files
// (spec §4.9 remove(delete_files)).
func (s *Session) Remove(handle Handle, deleteFiles bool) error {
	s.mu.Lock()
	c, ok := s.torrents[handle]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.torrents, handle)
	if ih, have := c.InfoHash(); have {
		delete(s.torrentsByInfoHash, ih)
		s.cachePeers(ih, c)
	}
	s.mu.Unlock()

	c.Remove(deleteFiles)
	s.events.Publish(SessionEvent{Handle: handle, Kind: EventTorrentRemoved, Timestamp: time.Now()})
	return nil
}

func (s *Session) cachePeers(infoHash [20]byte, c *Controller) {
	addrs := c.Addrs()
	if len(addrs) == 0 {
		return
	}
	peers := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		peers = append(peers, tcpAddrToCompact(a))
	}
	_ = s.peerCache.Put(hex.EncodeToString(infoHash[:]), peers)
}

// Subscribe registers a new listener for session-wide lifecycle events.
func (s *Session) Subscribe() *event.Subscription[SessionEvent] {
	return s.events.Subscribe()
}

// Close cancels every torrent's control loop, then closes the shared
// discovery sockets and the resume database (spec §4.10 shutdown).
func (s *Session) Close() error {
	close(s.closeC)

	s.mu.Lock()
	torrents := make([]*Controller, 0, len(s.torrents))
	for _, c := range s.torrents {
		torrents = append(torrents, c)
	}
	s.torrents = nil
	s.torrentsByInfoHash = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(torrents))
	for _, c := range torrents {
		go func(c *Controller) {
			defer wg.Done()
			c.Remove(false)
		}(c)
	}
	wg.Wait()

	if s.dht != nil {
		_ = s.dht.Close()
	}
	_ = s.accept.Close()
	if s.utpSoc != nil {
		_ = s.utpSoc.Close()
	}
	s.events.Close()
	return s.db.Close()
}

func tcpAddrToCompact(a *net.TCPAddr) []byte {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil
	}
	b := make([]byte, 6)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(a.Port))
	return b
}

func compactToTCPAddr(b []byte) *net.TCPAddr {
	if len(b) != 6 {
		return nil
	}
	return &net.TCPAddr{
		IP:   net.IPv4(b[0], b[1], b[2], b[3]),
		Port: int(binary.BigEndian.Uint16(b[4:])),
	}
}
