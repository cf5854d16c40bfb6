package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"os"
	"time"

	"github.com/zeebo/bencode"

	"github.com/yoep/torrentcore/internal/addrlist"
	"github.com/yoep/torrentcore/internal/allocator"
	"github.com/yoep/torrentcore/internal/announcer"
	"github.com/yoep/torrentcore/internal/bitfield"
	"github.com/yoep/torrentcore/internal/infodownloader"
	"github.com/yoep/torrentcore/internal/metainfo"
	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerprotocol"
	"github.com/yoep/torrentcore/internal/piececache"
	"github.com/yoep/torrentcore/internal/piecepicker"
	"github.com/yoep/torrentcore/internal/piecewriter"
	"github.com/yoep/torrentcore/internal/resumer"
	"github.com/yoep/torrentcore/internal/storage"
	"github.com/yoep/torrentcore/internal/tracker"
	"github.com/yoep/torrentcore/internal/verifier"
	"github.com/yoep/torrentcore/internal/webseed"
)

// statsWriteInterval is how often resume stats are flushed while a torrent
// is active, independent of the bitfield write that follows every completed
// piece.
const statsWriteInterval = 30 * time.Second

// run is the Controller's single control-loop goroutine: every mutable
// field not otherwise guarded by c.mu is touched only from here (spec §4.9).
func (c *Controller) run() {
	// c.addrList is initialized by the session before run starts (so
	// add_from_uri can seed it with cached/magnet-supplied peers before the
	// control loop takes over).
	if c.haveInfoHash && c.layout != nil {
		c.openStorage()
	}

	unchokeTicker := time.NewTicker(c.cfg.UnchokeInterval)
	defer unchokeTicker.Stop()
	optimisticTicker := time.NewTicker(c.cfg.OptimisticUnchokeInterval)
	defer optimisticTicker.Stop()
	connectTicker := time.NewTicker(c.cfg.ConnectNewPeersInterval)
	defer connectTicker.Stop()
	statsTicker := time.NewTicker(statsWriteInterval)
	defer statsTicker.Stop()
	webseedTicker := time.NewTicker(webseed.PollInterval)
	defer webseedTicker.Stop()

	for {
		var trResultC chan announcer.Result
		if c.tr != nil {
			trResultC = c.tr.ResultC
		}
		var dhtResultC chan announcer.DHTResult
		if c.dhtAnn != nil {
			dhtResultC = c.dhtAnn.ResultC
		}

		select {
		case deleteFiles := <-c.closeC:
			c.teardown(deleteFiles)
			close(c.closedC)
			return
		case <-c.startC:
			c.handleStart()
		case <-c.pauseC:
			c.handlePause()
		case respC := <-c.statsReqC:
			respC <- c.snapshotStats()

		case a := <-c.allocatorResultC:
			c.handleAllocationDone(a)
		case v := <-c.verifierResultC:
			c.handleVerificationDone(v)
		case w := <-c.writerResultC:
			c.handleWriterDone(w)

		case h := <-c.outHandshakeC:
			delete(c.outgoingHandshakers, h)
			if h.Err != nil {
				c.addrList.Release(h.Addr)
				break
			}
			c.addPeer(h.Result, peer.Outgoing, peerconn.TransportTCP)
		case res := <-c.incomingPeerC:
			if len(c.peers) >= c.cfg.MaxPeersPerTorrent {
				res.Conn.Close()
				break
			}
			c.addPeer(res, peer.Incoming, peerconn.TransportTCP)
		case res := <-c.incomingUTPPeerC:
			if len(c.peers) >= c.cfg.MaxPeersPerTorrent {
				res.Conn.Close()
				break
			}
			c.addPeer(res, peer.Incoming, peerconn.TransportUTP)
		case pe := <-c.peerDisconnectedC:
			c.removePeer(pe)
			c.dialCandidates()

		case r := <-c.pdResultC:
			c.handlePieceDownloadResult(r)
		case r := <-c.wsResultC:
			c.handleWebseedResult(r)

		case pm := <-c.pieceMessageC:
			c.handlePieceMessage(pm)
		case m := <-c.messageC:
			c.handleMessage(m)

		case res := <-trResultC:
			c.handleTrackerResult(res)
		case res := <-dhtResultC:
			c.handleDHTResult(res)

		case <-unchokeTicker.C:
			c.tickUnchoke()
		case <-optimisticTicker.C:
			c.tickOptimisticUnchoke()
		case <-connectTicker.C:
			c.dialCandidates()
		case <-statsTicker.C:
			c.writeStats()
		case <-webseedTicker.C:
			c.feedWebseeds()
		}
	}
}

// handleStart advances the torrent through whichever stage it is missing:
// allocation, verification, or just re-opening network activity.
func (c *Controller) handleStart() {
	switch {
	case !c.haveInfoHash:
		c.setState(StateMetadataPending)
		c.startNetworking()
	case c.mgr == nil:
		c.openStorage()
	case c.picker != nil:
		c.setState(StateDownloading)
		c.startNetworking()
	default:
		c.setState(StateSeeding)
		c.startNetworking()
	}
}

// handlePause disconnects every peer and stops announcing without touching
// downloaded data, so Start can pick back up where it left off.
func (c *Controller) handlePause() {
	c.stopNetworking()
	for pe := range c.peers {
		c.removePeer(pe)
	}
	c.setState(StatePaused)
}

// teardown stops networking, flushes resume state, and closes storage as
// the final step of the control loop before closedC is signaled.
func (c *Controller) teardown(deleteFiles bool) {
	c.stopNetworking()
	for pe := range c.peers {
		pe.Close()
	}
	for _, ws := range c.webseeds {
		ws.Close()
	}
	if c.resume != nil && c.bf != nil {
		_ = c.resume.WriteBitfield(c.bf.Bytes())
		_ = c.resume.WriteStats(c.resumerStats())
	}
	if c.mgr != nil {
		_ = c.mgr.Close()
	}
	if c.storageBackend != nil {
		_ = c.storageBackend.Close()
	}
	if deleteFiles && c.basePath != "" {
		if err := os.RemoveAll(c.basePath); err != nil {
			c.log.Errorln("removing torrent data:", err)
		}
	}
}

// startNetworking begins announcing to trackers and, once private-torrent
// status is known, to the DHT, and kicks off the first dial round. Safe to
// call repeatedly; a no-op once an announcer is already running.
func (c *Controller) startNetworking() {
	if c.trackerMgr == nil || c.tr != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.announceCancel = cancel

	c.tr = announcer.NewPeriodical(c.trackerMgr, c.trackerRequest(tracker.EventStarted))
	go c.tr.Run(ctx)

	private := c.meta != nil && c.meta.Info.Private == 1
	if c.cfg.DHTEnabled && c.sess.dht != nil && !private {
		c.dhtAnn = announcer.NewDHT(c.sess.dht, c.infoHash, c.port)
		go c.dhtAnn.Run(ctx)
	}

	for _, ws := range c.webseeds {
		go ws.Run(c.webseedWantedC)
		go c.forwardWebseedResult(ws)
	}

	c.dialCandidates()
}

// forwardWebseedResult relays one webseed's completed fetches into the
// control loop's fan-in channel until the webseed is closed.
func (c *Controller) forwardWebseedResult(ws *webseed.Peer) {
	for res := range ws.PieceDoneC {
		c.wsResultC <- wsResult{ws: ws, res: res}
	}
}

// stopNetworking cancels the announce loops, fires a best-effort stopped
// event on first stop, and discards in-flight outgoing handshakes.
func (c *Controller) stopNetworking() {
	if c.announceCancel != nil {
		c.announceCancel()
		c.announceCancel = nil
	}
	if c.tr != nil {
		if !c.stopAnnounced && c.trackerMgr != nil {
			go announcer.NewStopEvent(c.trackerMgr, c.trackerRequest(tracker.EventStopped)).Run()
			c.stopAnnounced = true
		}
		c.tr = nil
	}
	c.dhtAnn = nil
	for h := range c.outgoingHandshakers {
		delete(c.outgoingHandshakers, h)
	}
	c.addrList.Reset()
}

// handleAllocationDone advances a newly-allocated torrent into verification.
func (c *Controller) handleAllocationDone(a *allocator.Allocator) {
	if a.Error != nil {
		c.fail(a.Error)
		return
	}
	c.files = a.Files
	c.mu.Lock()
	c.mgr = storage.NewManager(c.files)
	c.mu.Unlock()
	c.cache = piececache.New(c.layout, c.mgr, 0)
	c.setState(StateVerifying)
	v := verifier.New(c.layout, c.mgr, nil)
	go v.Run(c.verifierResultC)
}

// handleVerificationDone installs the verified bitmap and, if a resumer is
// attached, persists it immediately. The stored bitmap is not read back on a
// later open, which always runs the full verifier.
func (c *Controller) handleVerificationDone(v *verifier.Verifier) {
	if v.Error != nil {
		c.fail(v.Error)
		return
	}
	bf := bitfield.New(uint32(len(v.Bitfield)))
	for i, ok := range v.Bitfield {
		if ok {
			bf.Set(uint32(i))
		}
	}
	c.mu.Lock()
	c.bf = bf
	c.mu.Unlock()
	if c.resume != nil {
		_ = c.resume.WriteBitfield(c.bf.Bytes())
	}
	if c.bf.All() {
		c.setState(StateSeeding)
	} else {
		c.setState(StateDownloading)
	}
	c.startNetworking()
}

// fail transitions the torrent to StateError and publishes the failure.
func (c *Controller) fail(err error) {
	c.log.Errorln("torrent failed:", err)
	c.setState(StateError)
	c.events.Publish(TorrentEvent{Handle: c.handle, Kind: EventError, Err: err, Timestamp: time.Now()})
}

// handleWriterDone marks a piece complete once its payload has landed on
// disk, announces it to every peer that doesn't already have it, and checks
// for overall completion.
func (c *Controller) handleWriterDone(w *piecewriter.PieceWriter) {
	w.Piece.SetWriting(false)
	if w.Error != nil {
		c.fail(w.Error)
		return
	}
	c.mu.Lock()
	c.bf.Set(w.Piece.Index)
	complete := c.bf.All()
	c.mu.Unlock()

	c.events.Publish(TorrentEvent{Handle: c.handle, Kind: EventPieceCompleted, PieceIdx: w.Piece.Index, Timestamp: time.Now()})

	for pe := range c.peers {
		if pe.Has(w.Piece.Index) {
			continue
		}
		pe.SendMessage(peerprotocol.HaveMessage{Index: w.Piece.Index})
	}
	if c.picker != nil {
		c.picker.HandlePieceCompleted(w.Piece.Index)
	}
	if c.resume != nil {
		_ = c.resume.WriteBitfield(c.bf.Bytes())
	}
	if complete {
		c.setState(StateSeeding)
		c.events.Publish(TorrentEvent{Handle: c.handle, Kind: EventDownloadCompleted, Timestamp: time.Now()})
	}
	c.assignWork()
}

// handlePieceDownloadResult applies a terminal piecedownloader report: a
// completed piece is handed to a writer, a hash mismatch resets the piece
// for re-download, and a transport error drops just that peer's attempt.
func (c *Controller) handlePieceDownloadResult(r pdResult) {
	delete(c.pieceDownloaders, r.peer)
	delete(c.pdStopC, r.peer)

	if r.err != nil {
		if c.picker != nil {
			c.picker.HandleCancelDownload(r.piece.Index)
		}
		r.piece.Reset()
		c.assignWork()
		return
	}
	if r.result.HashMismatch {
		c.log.Errorln("hash mismatch for piece", r.piece.Index, "from", r.peer)
		if c.picker != nil {
			c.picker.HandleCancelDownload(r.piece.Index)
		}
		c.assignWork()
		return
	}
	if r.result.PieceCompleted {
		r.piece.SetWriting(true)
		w := piecewriter.New(r.piece, r.result.Payload)
		go w.Run(c.layout, c.mgr, c.writerResultC)
	}
	c.assignWork()
}

// handleWebseedResult records the parts an HTTP webseed fetched through the
// normal RecordPart path, exactly as if they had arrived over the wire.
func (c *Controller) handleWebseedResult(r wsResult) {
	if r.res.Err != nil {
		c.log.Errorln("webseed fetch failed:", r.res.Err)
		return
	}
	for partIndex, data := range r.res.Parts {
		result, err := r.res.Piece.RecordPart(partIndex, data)
		if err != nil {
			c.log.Errorln("webseed part error:", err)
			continue
		}
		if result.HashMismatch {
			if c.picker != nil {
				c.picker.HandleCancelDownload(r.res.Piece.Index)
			}
			continue
		}
		if result.PieceCompleted {
			r.res.Piece.SetWriting(true)
			w := piecewriter.New(r.res.Piece, result.Payload)
			go w.Run(c.layout, c.mgr, c.writerResultC)
		}
	}
}

// feedWebseeds offers each currently-wanted piece to the shared webseed
// fetch queue, bounded so one tick never floods an idle webseed.
func (c *Controller) feedWebseeds() {
	if c.picker == nil || len(c.webseeds) == 0 {
		return
	}
	budget := webseed.MaxPiecesPerTick * len(c.webseeds)
	for _, p := range c.layout.Pieces {
		if budget <= 0 {
			return
		}
		if p.Completed() || p.Writing() || !p.Wanted() {
			continue
		}
		select {
		case c.webseedWantedC <- p:
			budget--
		default:
			return
		}
	}
}

// handleMessage dispatches one decoded non-piece wire message to whichever
// piece/info downloader or upload path it concerns.
func (c *Controller) handleMessage(m peer.Message) {
	pe := m.Peer
	switch v := m.Message.(type) {
	case peerprotocol.ChokeMessage:
		if d, ok := c.pieceDownloaders[pe]; ok {
			d.ChokeC <- struct{}{}
		}
	case peerprotocol.UnchokeMessage:
		if d, ok := c.pieceDownloaders[pe]; ok {
			d.UnchokeC <- struct{}{}
		}
		c.assignWork()
	case peerprotocol.InterestedMessage, peerprotocol.NotInterestedMessage:
		// peer.Peer already tracks the flag; nothing else to do.
	case peerprotocol.HaveMessage, peerprotocol.BitfieldMessage, peerprotocol.HaveAllMessage, peerprotocol.HaveNoneMessage:
		c.assignWork()
	case peerprotocol.RequestMessage:
		c.handleUploadRequest(pe, v)
	case peerprotocol.CancelMessage:
		// Best-effort upload path answers requests as they arrive; an
		// in-flight send cannot be recalled once started.
	case peerprotocol.RejectMessage:
		if d, ok := c.pieceDownloaders[pe]; ok {
			d.RejectC <- [2]uint32{v.Index, v.Begin}
		}
	case peerprotocol.ExtendedMessage:
		c.handleExtended(pe, v)
	case peerprotocol.AllowedFastMessage, peerprotocol.SuggestPieceMessage, peerprotocol.PortMessage:
		// Acknowledged by the wire layer; no additional scheduling hook.
	}
}

// handlePieceMessage routes an arrived block either to the peer's active
// piecedownloader.
func (c *Controller) handlePieceMessage(pm peer.PieceMessage) {
	d, ok := c.pieceDownloaders[pm.Peer]
	if !ok {
		return
	}
	d.PieceC <- pm.Piece
}

// handleUploadRequest answers a peer's block request directly from the
// piece cache unless we are currently choking them.
func (c *Controller) handleUploadRequest(pe *peer.Peer, req peerprotocol.RequestMessage) {
	if pe.IsChokingThem() {
		return
	}
	if c.cache == nil {
		return
	}
	pe.SendPiece(req, c.cache)
	pe.RecordUpload(int(req.Length))
}

// handleExtended processes both the LTEP extended handshake and any
// extension sub-message it dispatches to by name.
func (c *Controller) handleExtended(pe *peer.Peer, msg peerprotocol.ExtendedMessage) {
	if msg.ExtendedMessageID == peerprotocol.ExtendedHandshakeID {
		hs, err := peerprotocol.DecodeExtendedHandshake(msg.Payload)
		if err != nil {
			c.log.Errorln("invalid extended handshake from", pe, err)
			return
		}
		c.peerExtensions[pe] = peerprotocol.ExtensionIDs(hs.M)
		if c.meta9 != nil && !c.haveInfoHash {
			if utID, ok := hs.M[peerprotocol.ExtensionUTMetadata]; ok && hs.MetadataSize > 0 {
				c.meta9.size = hs.MetadataSize
				c.meta9.extensionID = utID
				if _, busy := c.infoDownloaders[pe]; !busy {
					d := infodownloader.New(pe, utID, hs.MetadataSize)
					c.infoDownloaders[pe] = d
					d.RequestPieces(4)
				}
			}
		}
		return
	}
	name, ok := c.peerExtensions[pe].NameFor(msg.ExtendedMessageID)
	if !ok {
		return
	}
	if name == peerprotocol.ExtensionUTMetadata {
		c.handleUTMetadata(pe, msg.Payload)
	}
}

// decodeUTMetadata splits a ut_metadata sub-message's bencoded dictionary
// prefix from the raw metadata-piece bytes that follow it (BEP 9): the
// bencode library reports consumed length only via how much of the reader
// it left unread.
func decodeUTMetadata(payload []byte) (peerprotocol.UTMetadataMessage, []byte, error) {
	var msg peerprotocol.UTMetadataMessage
	r := bytes.NewReader(payload)
	if err := bencode.NewDecoder(r).Decode(&msg); err != nil {
		return msg, nil, err
	}
	consumed := len(payload) - r.Len()
	return msg, payload[consumed:], nil
}

// handleUTMetadata advances a magnet download's metadata fetch, completing
// it once every peer-facing piece has arrived and the assembled dictionary
// hashes to the torrent's info hash.
func (c *Controller) handleUTMetadata(pe *peer.Peer, payload []byte) {
	msg, rest, err := decodeUTMetadata(payload)
	if err != nil {
		c.log.Errorln("invalid ut_metadata message from", pe, err)
		return
	}
	d, ok := c.infoDownloaders[pe]
	if !ok {
		return
	}
	switch msg.MsgType {
	case peerprotocol.UTMetadataData:
		if err := d.GotPiece(uint32(msg.Piece), rest); err != nil {
			c.log.Errorln(err)
			return
		}
		if d.Done() {
			c.completeMetadata(d.Bytes)
			return
		}
		d.RequestPieces(4)
	case peerprotocol.UTMetadataReject:
		d.Rejected(uint32(msg.Piece))
	}
}

// completeMetadata verifies a fully-downloaded info dictionary against the
// magnet's declared info hash and, on success, installs it exactly as if
// the torrent had been added from a .torrent file.
func (c *Controller) completeMetadata(raw []byte) {
	info, err := metainfo.NewInfo(raw)
	if err != nil {
		c.log.Errorln("downloaded metadata is invalid:", err)
		for pe := range c.infoDownloaders {
			delete(c.infoDownloaders, pe)
		}
		return
	}
	var gotHash [20]byte
	copy(gotHash[:], info.InfoHash)
	if gotHash != c.infoHash {
		c.log.Errorln("downloaded metadata does not match info hash")
		return
	}
	for pe := range c.infoDownloaders {
		delete(c.infoDownloaders, pe)
	}
	c.mu.Lock()
	c.meta = &metainfo.MetaInfo{Info: info, RawInfo: raw}
	c.name = info.Name
	c.layout = layoutFromInfo(info)
	c.basePath = c.cfg.DataDir + "/" + c.name
	c.picker = piecepicker.New(c.layout.Pieces)
	c.haveInfoHash = true
	c.mu.Unlock()
	c.events.Publish(TorrentEvent{Handle: c.handle, Kind: EventMetadataReceived, Timestamp: time.Now()})
	c.setState(StateAllocating)
	c.openStorage()
}

// handleTrackerResult pushes a tracker's reported peer list into the
// connect candidate queue.
func (c *Controller) handleTrackerResult(res announcer.Result) {
	if res.Error != nil {
		c.log.Errorln("tracker announce failed:", res.Error)
		return
	}
	if res.Response == nil || len(res.Response.Peers) == 0 {
		return
	}
	c.addrList.Push(res.Response.Peers, addrlist.SourceTracker)
	c.dialCandidates()
}

// handleDHTResult pushes a DHT lookup round's peers into the connect
// candidate queue.
func (c *Controller) handleDHTResult(res announcer.DHTResult) {
	if len(res.Peers) == 0 {
		return
	}
	addrs := make([]*net.TCPAddr, 0, len(res.Peers))
	for _, a := range res.Peers {
		addrs = append(addrs, &net.TCPAddr{IP: a.IP, Port: a.Port})
	}
	c.addrList.Push(addrs, addrlist.SourceDHT)
	c.dialCandidates()
}

// writeStats flushes transfer counters to the resumer on a fixed interval,
// independent of the bitfield writes that follow piece completion.
func (c *Controller) writeStats() {
	if c.resume == nil {
		return
	}
	if err := c.resume.WriteStats(c.resumerStats()); err != nil {
		c.log.Errorln("cannot write resume stats:", err)
	}
}

// resumerStats snapshots the counters persisted alongside a torrent's
// bitfield.
func (c *Controller) resumerStats() resumer.Stats {
	seeded := time.Duration(0)
	if c.state == StateSeeding {
		seeded = time.Since(c.startedAt)
	}
	return resumer.Stats{
		BytesDownloaded: c.downloaded(),
		BytesUploaded:   c.uploaded(),
		BytesWasted:     c.bytesWasted,
		SeededFor:       seeded,
	}
}

// snapshotStats assembles the point-in-time Stats a caller requested over
// statsReqC.
func (c *Controller) snapshotStats() Stats {
	var total, completed int64
	if c.layout != nil {
		total = c.layout.TotalLength
		completed = c.bytesCompleted()
	}
	var dlSpeed, ulSpeed float64
	seeders, leechers := 0, 0
	for pe := range c.peers {
		st := pe.Stats()
		dlSpeed += st.DownloadSpeed
		ulSpeed += st.UploadSpeed
		if pe.Bitfield() != nil && c.layout != nil && pe.Bitfield().All() {
			seeders++
		} else {
			leechers++
		}
	}
	infoHashHex := ""
	if c.haveInfoHash {
		infoHashHex = hex.EncodeToString(c.infoHash[:])
	}
	return Stats{
		Handle:          c.handle,
		InfoHash:        infoHashHex,
		Name:            c.name,
		State:           c.state,
		BytesCompleted:  completed,
		BytesTotal:      total,
		BytesDownloaded: c.downloaded(),
		BytesUploaded:   c.uploaded(),
		BytesWasted:     c.bytesWasted,
		DownloadSpeed:   dlSpeed,
		UploadSpeed:     ulSpeed,
		Peers:           len(c.peers),
		Seeders:         seeders,
		Leechers:        leechers,
	}
}

// bitfieldMessageFor builds the wire message announcing bf, used as every
// new peer's first message once we have a bitfield to report.
func bitfieldMessageFor(bf *bitfield.Bitfield) peerprotocol.BitfieldMessage {
	data := make([]byte, len(bf.Bytes()))
	copy(data, bf.Bytes())
	return peerprotocol.BitfieldMessage{Data: data}
}

// extendedHandshakeFor builds the LTEP extended handshake we send to every
// peer that advertised extension support, announcing ut_metadata and, once
// the info dictionary is known, its size.
func extendedHandshakeFor(c *Controller) peerprotocol.ExtendedMessage {
	m := map[string]uint8{peerprotocol.ExtensionUTMetadata: 1}
	metadataSize := 0
	if c.meta != nil {
		metadataSize = len(c.meta.RawInfo)
	}
	payload, _ := peerprotocol.NewExtendedHandshakeMessage("torrentcore", m, metadataSize).Encode()
	return peerprotocol.ExtendedMessage{ExtendedMessageID: peerprotocol.ExtendedHandshakeID, Payload: payload}
}
