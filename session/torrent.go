package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/yoep/torrentcore/internal/addrlist"
	"github.com/yoep/torrentcore/internal/allocator"
	"github.com/yoep/torrentcore/internal/announcer"
	"github.com/yoep/torrentcore/internal/bitfield"
	"github.com/yoep/torrentcore/internal/btconn"
	"github.com/yoep/torrentcore/internal/event"
	"github.com/yoep/torrentcore/internal/handshaker/outgoinghandshaker"
	"github.com/yoep/torrentcore/internal/infodownloader"
	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/metainfo"
	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerprotocol"
	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/internal/piececache"
	"github.com/yoep/torrentcore/internal/piecedownloader"
	"github.com/yoep/torrentcore/internal/piecepicker"
	"github.com/yoep/torrentcore/internal/piecewriter"
	"github.com/yoep/torrentcore/internal/resumer"
	"github.com/yoep/torrentcore/internal/storage"
	"github.com/yoep/torrentcore/internal/storage/filestorage"
	"github.com/yoep/torrentcore/internal/tracker"
	"github.com/yoep/torrentcore/internal/trackermanager"
	"github.com/yoep/torrentcore/internal/verifier"
	"github.com/yoep/torrentcore/internal/webseed"
)

// weSupportFast and weSupportLTEP set the Fast Extension and LTEP bits in
// every outgoing handshake's reserved bytes; the DHT bit follows
// Config.DHTEnabled.
const (
	weSupportFast = true
	weSupportLTEP = true
)

// errStorageNotReady is returned by operations that read file bytes before
// allocation has completed.
var errStorageNotReady = errors.New("session: storage not open yet")

// pdResult is the unified report a piecedownloader forwarder posts once its
// downloader reaches a terminal state.
type pdResult struct {
	peer   *peer.Peer
	piece  *piece.Piece
	result piece.RecordResult
	err    error
}

// wsResult pairs a webseed.PieceResult with the webseed it came from, for
// the control loop's fan-in channel.
type wsResult struct {
	ws  *webseed.Peer
	res webseed.PieceResult
}

// Controller owns everything for one torrent: its peer pool, piece
// scheduler, storage and announce loops (spec §4.9). A single goroutine
// (run) drives all of it; every exported method either touches
// already-concurrency-safe state directly or hands a request to that
// goroutine over a channel.
type Controller struct {
	sess   *Session
	cfg    Config
	log    logger.Logger
	handle Handle
	peerID [20]byte
	port   int

	mu           sync.Mutex
	state        State
	infoHash     [20]byte
	haveInfoHash bool
	name         string
	meta         *metainfo.MetaInfo
	layout       *piece.Layout
	basePath     string

	storageBackend storage.Storage
	mgr            *storage.Manager
	files          []storage.File
	bf             *bitfield.Bitfield

	picker     *piecepicker.PiecePicker
	cache      *piececache.Cache
	resume     resumer.Resumer
	trackerMgr *trackermanager.Manager
	addrList   *addrlist.AddrList

	events *event.Bus[TorrentEvent]

	peers               map[*peer.Peer]struct{}
	incomingPeers       map[*peer.Peer]struct{}
	outgoingPeers       map[*peer.Peer]struct{}
	peerIDs             map[[20]byte]struct{}
	connectedIPs        map[string]struct{}
	optimisticUnchoked  map[*peer.Peer]struct{}

	pieceDownloaders map[*peer.Peer]*piecedownloader.PieceDownloader
	pdStopC          map[*peer.Peer]chan struct{}
	infoDownloaders  map[*peer.Peer]*infodownloader.InfoDownloader
	peerExtensions   map[*peer.Peer]peerprotocol.ExtensionIDs
	meta9            *metadataState

	outgoingHandshakers map[*outgoinghandshaker.OutgoingHandshaker]struct{}

	webseeds       []*webseed.Peer
	webseedWantedC chan *piece.Piece

	announceCancel context.CancelFunc
	dhtCancel      context.CancelFunc
	tr             *announcer.PeriodicalAnnouncer
	dhtAnn         *announcer.DHTAnnouncer
	stopAnnounced  bool

	downloadSpeed   metrics.EWMA
	uploadSpeed     metrics.EWMA
	bytesWasted     int64
	bytesDownloaded int64 // accumulated from peers that have since disconnected
	bytesUploaded   int64
	startedAt       time.Time

	messageC          chan peer.Message
	pieceMessageC     chan peer.PieceMessage
	peerDisconnectedC chan *peer.Peer
	outHandshakeC     chan *outgoinghandshaker.OutgoingHandshaker
	incomingPeerC     chan *btconn.HandshakeResult
	incomingUTPPeerC  chan *btconn.HandshakeResult
	pdResultC         chan pdResult
	wsResultC         chan wsResult

	allocatorResultC chan *allocator.Allocator
	verifierResultC  chan *verifier.Verifier
	writerResultC    chan *piecewriter.PieceWriter

	startC    chan struct{}
	pauseC    chan struct{}
	closeC    chan bool // value is deleteFiles
	statsReqC chan chan Stats

	closedC chan struct{}
}

// newController allocates a Controller in the zero State,
// StateMetadataPending, whether or not metainfo is known; the run loop moves
// it on. The caller starts that loop once construction-specific setup
// (layout, storage) is ready.
func newController(sess *Session, handle Handle, port int, cfg Config, log logger.Logger) *Controller {
	return &Controller{
		sess:   sess,
		cfg:    cfg,
		log:    log,
		handle: handle,
		peerID: sess.peerID,
		port:   port,

		events: event.NewBus[TorrentEvent](),

		peers:              make(map[*peer.Peer]struct{}),
		incomingPeers:      make(map[*peer.Peer]struct{}),
		outgoingPeers:      make(map[*peer.Peer]struct{}),
		peerIDs:            make(map[[20]byte]struct{}),
		connectedIPs:       make(map[string]struct{}),
		optimisticUnchoked: make(map[*peer.Peer]struct{}),

		pieceDownloaders: make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pdStopC:          make(map[*peer.Peer]chan struct{}),
		infoDownloaders:  make(map[*peer.Peer]*infodownloader.InfoDownloader),
		peerExtensions:   make(map[*peer.Peer]peerprotocol.ExtensionIDs),

		outgoingHandshakers: make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),

		downloadSpeed:  metrics.NewEWMA1(),
		uploadSpeed:    metrics.NewEWMA1(),
		startedAt:      time.Now(),
		webseedWantedC: make(chan *piece.Piece),

		messageC:          make(chan peer.Message, 64),
		pieceMessageC:     make(chan peer.PieceMessage, 64),
		peerDisconnectedC: make(chan *peer.Peer, 8),
		outHandshakeC:     make(chan *outgoinghandshaker.OutgoingHandshaker, 8),
		incomingPeerC:     make(chan *btconn.HandshakeResult, 8),
		incomingUTPPeerC:  make(chan *btconn.HandshakeResult, 8),
		pdResultC:         make(chan pdResult, 8),
		wsResultC:         make(chan wsResult, 8),

		allocatorResultC: make(chan *allocator.Allocator, 1),
		verifierResultC:  make(chan *verifier.Verifier, 1),
		writerResultC:    make(chan *piecewriter.PieceWriter, 8),

		startC:    make(chan struct{}, 1),
		pauseC:    make(chan struct{}, 1),
		closeC:    make(chan bool, 1),
		statsReqC: make(chan chan Stats),

		closedC: make(chan struct{}),
	}
}

// setMetainfo installs a fully-known metainfo dictionary (either given at
// add time or just finished downloading over BEP 9) and builds the layout,
// storage and piece picker from it.
func (c *Controller) setMetainfo(m *metainfo.MetaInfo) error {
	c.mu.Lock()
	c.meta = m
	c.name = m.Info.Name
	c.infoHash = [20]byte{}
	copy(c.infoHash[:], m.Info.InfoHash)
	c.haveInfoHash = true
	c.layout = layoutFromInfo(m.Info)
	c.bf = bitfield.New(uint32(len(c.layout.Pieces)))
	c.basePath = c.cfg.DataDir + "/" + c.name
	c.picker = piecepicker.New(c.layout.Pieces)
	c.trackerMgr = trackermanager.New(m.TrackerTiers())
	for _, u := range m.URLList {
		ws, err := webseed.New(u, logger.New("webseed "+u))
		if err != nil {
			c.log.Errorln("skipping invalid webseed url:", err)
			continue
		}
		c.webseeds = append(c.webseeds, ws)
	}
	c.mu.Unlock()
	return nil
}

// Handle returns this torrent's session-unique identifier.
func (c *Controller) Handle() Handle { return c.handle }

// Name returns the torrent's display name, which may still be empty for a
// magnet download whose metadata has not arrived yet.
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// InfoHash returns the 20-byte info hash, or the zero value if metadata has
// not been resolved yet (magnet download in StateMetadataPending).
func (c *Controller) InfoHash() ([20]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoHash, c.haveInfoHash
}

// State returns the torrent's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.events.Publish(TorrentEvent{Handle: c.handle, Kind: EventStateChanged, State: s, Timestamp: time.Now()})
}

// Subscribe registers a new listener for this torrent's lifecycle and
// progress events (spec §9).
func (c *Controller) Subscribe() *event.Subscription[TorrentEvent] {
	return c.events.Subscribe()
}

// Start begins (or resumes) connecting to peers and announcing.
func (c *Controller) Start() {
	select {
	case c.startC <- struct{}{}:
	default:
	}
}

// Resume is an alias of Start, named to match spec §4.9's operation list.
func (c *Controller) Resume() { c.Start() }

// Pause disconnects peers and stops announcing without discarding
// downloaded data.
func (c *Controller) Pause() {
	select {
	case c.pauseC <- struct{}{}:
	default:
	}
}

// Remove stops the torrent's control loop and optionally deletes its
// downloaded files, blocking until teardown completes.
func (c *Controller) Remove(deleteFiles bool) {
	select {
	case c.closeC <- deleteFiles:
	default:
	}
	<-c.closedC
}

// Stats returns a snapshot of the torrent's current progress.
func (c *Controller) Stats() Stats {
	respC := make(chan Stats, 1)
	select {
	case c.statsReqC <- respC:
		return <-respC
	case <-c.closedC:
		return Stats{Handle: c.handle, State: StateError}
	}
}

// SetPiecePriority changes one piece's priority, affecting future scheduling
// immediately (spec §4.1/§4.11 streaming read-head boosts).
func (c *Controller) SetPiecePriority(index uint32, p piece.Priority) {
	c.mu.Lock()
	layout := c.layout
	c.mu.Unlock()
	if layout == nil || int(index) >= len(layout.Pieces) {
		return
	}
	layout.Pieces[index].SetPriority(p)
}

// SetFilePriority changes a file's priority and propagates it to every piece
// the file overlaps.
func (c *Controller) SetFilePriority(fileIndex int, p piece.Priority) {
	c.mu.Lock()
	layout := c.layout
	c.mu.Unlock()
	if layout == nil || fileIndex < 0 || fileIndex >= len(layout.Files) {
		return
	}
	f := layout.Files[fileIndex]
	f.SetPriority(p)
	start, end := f.TorrentRange()
	for _, pc := range layout.Pieces {
		pStart := pc.OffsetInTorrent
		pEnd := pStart + int64(pc.Length)
		if pStart < end && pEnd > start {
			pc.SetPriority(p)
		}
	}
}

// SetSequential toggles sequential piece selection, used when a streaming
// reader attaches (spec §4.11).
func (c *Controller) SetSequential(seq bool) {
	c.mu.Lock()
	picker := c.picker
	c.mu.Unlock()
	if picker != nil {
		picker.SetSequential(seq)
	}
}

// AddPeers seeds the connect candidate queue with manually supplied
// addresses (e.g. a magnet URI's x.pe hints).
func (c *Controller) AddPeers(addrs []*net.TCPAddr) {
	c.mu.Lock()
	al := c.addrList
	c.mu.Unlock()
	if al != nil {
		al.Push(addrs, addrlist.SourceManual)
	}
}

// Metadata returns the torrent's resolved info dictionary, or
// ErrMetadataPending if this is a magnet add whose BEP 9 metadata exchange
// has not completed yet (spec §4.9).
func (c *Controller) Metadata() (TorrentMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveInfoHash || c.meta == nil || c.layout == nil {
		return TorrentMetadata{}, ErrMetadataPending
	}
	files := make([]TorrentMetadataFile, len(c.layout.Files))
	for i, f := range c.layout.Files {
		files[i] = TorrentMetadataFile{Path: f.Segments, Length: f.Length}
	}
	return TorrentMetadata{
		Name:        c.name,
		InfoHash:    metainfo.Hash(c.infoHash[:]).String(),
		PieceLength: c.layout.PieceLength,
		PieceCount:  len(c.layout.Pieces),
		TotalLength: c.layout.TotalLength,
		Files:       files,
		Private:     c.meta.Info.Private == 1,
	}, nil
}

// PieceCompleted reports whether the piece at index has already been
// verified and written, used by the streaming server to decide whether a
// requested chunk can be served immediately (spec §4.11 step 5).
func (c *Controller) PieceCompleted(index uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bf != nil && c.bf.Test(index)
}

// ReadFileRange reads length bytes at ioOffset within fileIndex directly
// from storage, used by the streaming server once the covering pieces are
// known to be complete.
func (c *Controller) ReadFileRange(fileIndex int, ioOffset int64, length int) ([]byte, error) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return nil, errStorageNotReady
	}
	return mgr.Read(fileIndex, ioOffset, length)
}

// Layout exposes the torrent's piece/file layout once known, used by the
// streaming server to translate byte ranges into pieces.
func (c *Controller) Layout() *piece.Layout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

// newAddrList builds an empty candidate queue sized per the session's
// MaxPeerAddresses knob.
func (c *Controller) newAddrList() *addrlist.AddrList {
	return addrlist.New(nil, c.cfg.MaxPeerAddresses)
}

// Addrs returns every connect candidate this torrent currently knows about,
// used by the session's DHT node to answer get_peers queries for this
// torrent's info hash without disturbing the picker's in-use bookkeeping.
func (c *Controller) Addrs() []*net.TCPAddr {
	c.mu.Lock()
	al := c.addrList
	c.mu.Unlock()
	if al == nil {
		return nil
	}
	return al.Snapshot()
}

// trackerRequest builds the announce parameters shared by every tracker
// round for this torrent, stamped with ev and the current transfer totals.
func (c *Controller) trackerRequest(ev tracker.Event) tracker.Torrent {
	left := int64(-1)
	if c.layout != nil {
		left = c.layout.TotalLength - c.bytesCompleted()
	}
	return tracker.Torrent{
		InfoHash:        c.infoHash[:],
		PeerID:          c.peerID,
		Port:            c.port,
		Event:           ev,
		BytesUploaded:   c.uploaded(),
		BytesDownloaded: c.downloaded(),
		BytesLeft:       left,
		NumWant:         50,
	}
}

// bytesCompleted sums the length of every piece currently marked done.
func (c *Controller) bytesCompleted() int64 {
	if c.bf == nil || c.layout == nil {
		return 0
	}
	var n int64
	for i, p := range c.layout.Pieces {
		if c.bf.Test(uint32(i)) {
			n += int64(p.Length)
		}
	}
	return n
}

// downloaded/uploaded sum per-peer transfer counters plus bytes already
// accounted for peers that have since disconnected.
func (c *Controller) downloaded() int64 {
	n := c.bytesDownloaded
	for pe := range c.peers {
		n += pe.Stats().BytesDownloaded
	}
	return n
}

func (c *Controller) uploaded() int64 {
	n := c.bytesUploaded
	for pe := range c.peers {
		n += pe.Stats().BytesUploaded
	}
	return n
}

// openStorage preallocates files via the allocator worker.
func (c *Controller) openStorage() {
	c.storageBackend = filestorage.New()
	infos := make([]storage.FileInfo, len(c.layout.Files))
	for i, f := range c.layout.Files {
		infos[i] = storage.FileInfo{Path: f.Segments[1:], Length: f.Length, Padding: f.Attr.Padding}
	}
	a := allocator.New(c.storageBackend, c.basePath, infos, nil)
	go a.Run(c.allocatorResultC)
}

// dialCandidates pulls fresh candidates from addrList and starts outgoing
// handshakes, up to the per-torrent peer cap.
func (c *Controller) dialCandidates() {
	active := make(map[string]struct{}, len(c.connectedIPs))
	for ip := range c.connectedIPs {
		active[ip] = struct{}{}
	}
	room := c.cfg.MaxPeersPerTorrent - len(c.peers) - len(c.outgoingHandshakers)
	if room <= 0 {
		return
	}
	for _, addr := range c.addrList.PopNConnectable(room, active) {
		h := outgoinghandshaker.New(addr, c.peerID, c.infoHash, weSupportFast, weSupportLTEP, c.cfg.DHTEnabled)
		c.outgoingHandshakers[h] = struct{}{}
		go h.Run(c.outHandshakeC)
	}
}

// addPeer finishes onboarding a handshaken connection: wraps it in a
// peer.Peer, registers it and starts its message pump.
func (c *Controller) addPeer(res *btconn.HandshakeResult, dir peer.Direction, transport peerconn.Transport) *peer.Peer {
	if _, dup := c.peerIDs[res.PeerID]; dup {
		res.Conn.Close()
		return nil
	}
	pc := peerconn.New(res.Conn, res.PeerID, transport, res.FastExtension, res.Extended, res.DHT, logger.New("peer <- "+res.Conn.RemoteAddr().String()))
	numPieces := uint32(0)
	if c.layout != nil {
		numPieces = uint32(len(c.layout.Pieces))
	}
	pe := peer.New(pc, dir, numPieces)

	c.peers[pe] = struct{}{}
	if dir == peer.Incoming {
		c.incomingPeers[pe] = struct{}{}
	} else {
		c.outgoingPeers[pe] = struct{}{}
	}
	c.peerIDs[res.PeerID] = struct{}{}
	c.connectedIPs[res.Conn.RemoteAddr().String()] = struct{}{}

	go pc.Run()
	go func() {
		pe.Run(c.messageC, c.pieceMessageC)
		c.peerDisconnectedC <- pe
	}()

	if c.bf != nil {
		pe.SendMessage(bitfieldMessageFor(c.bf))
	}
	if res.Extended {
		pe.SendMessage(extendedHandshakeFor(c))
	}
	return pe
}

// removePeer tears down a peer's state and releases any work it held.
func (c *Controller) removePeer(pe *peer.Peer) {
	if _, ok := c.peers[pe]; !ok {
		return
	}
	delete(c.peers, pe)
	delete(c.incomingPeers, pe)
	delete(c.outgoingPeers, pe)
	delete(c.peerIDs, pe.ID())
	delete(c.connectedIPs, pe.String())
	delete(c.optimisticUnchoked, pe)
	delete(c.infoDownloaders, pe)
	delete(c.peerExtensions, pe)
	st := pe.Stats()
	c.bytesDownloaded += st.BytesDownloaded
	c.bytesUploaded += st.BytesUploaded
	c.bytesWasted += st.BytesWasted
	if stopC, ok := c.pdStopC[pe]; ok {
		close(stopC)
		delete(c.pdStopC, pe)
	}
	if d, ok := c.pieceDownloaders[pe]; ok {
		delete(c.pieceDownloaders, pe)
		if c.picker != nil {
			c.picker.HandleDisconnect([]uint32{d.Piece.Index})
		}
		d.Piece.Reset()
	}
	pe.Close()
}

// startPieceDownload assigns pi to pe and spawns its downloader plus a
// forwarder goroutine that funnels its terminal result back to pdResultC.
func (c *Controller) startPieceDownload(pe *peer.Peer, pi *piece.Piece) {
	d := piecedownloader.New(pi, pe)
	stopC := make(chan struct{})
	c.pieceDownloaders[pe] = d
	c.pdStopC[pe] = stopC
	go d.Run(stopC)
	go func() {
		select {
		case r := <-d.DoneC:
			c.pdResultC <- pdResult{peer: pe, piece: pi, result: r}
		case err := <-d.ErrC:
			c.pdResultC <- pdResult{peer: pe, piece: pi, err: err}
		case <-stopC:
		}
	}()
}

// avgPipeline estimates the swarm's average in-flight depth for the
// endgame heuristic (spec §4.8).
func (c *Controller) avgPipeline() int {
	if len(c.pieceDownloaders) == 0 {
		return 0
	}
	return piecedownloader.DefaultPipelineDepth
}

// assignWork gives every idle peer that is not choking us a piece to work
// on, if the picker has one. Allowed-fast pieces are not considered, so a
// peer that is choking us gets no work.
func (c *Controller) assignWork() {
	if c.picker == nil {
		return
	}
	avg := c.avgPipeline()
	for pe := range c.peers {
		if _, busy := c.pieceDownloaders[pe]; busy {
			continue
		}
		if pe.IsChokingUs() {
			continue
		}
		pi := c.picker.NextPieceFor(pe, avg, nil)
		if pi == nil {
			continue
		}
		pe.SetInterested()
		c.startPieceDownload(pe, pi)
	}
}
