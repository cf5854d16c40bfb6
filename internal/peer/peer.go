// Package peer owns the per-connection state machine of spec §4.6: choke
// and interest flags, rate accounting, and dispatch of decoded wire
// messages up to the torrent controller.
package peer

import (
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/yoep/torrentcore/internal/bitfield"
	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peerconn"
	"github.com/yoep/torrentcore/internal/peerconn/peerreader"
	"github.com/yoep/torrentcore/internal/peerconn/peerwriter"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

// Direction records which side initiated the connection.
type Direction int

// Connection directions (spec §3 Peer.direction).
const (
	Incoming Direction = iota
	Outgoing
)

// SnubTimeout is how long a download may sit idle while we are interested
// and unchoked before the peer is marked snubbed (spec §4.6 eviction uses
// the same window for the rolling-rate-zero check).
const SnubTimeout = 60 * time.Second

// KeepAliveTimeout mirrors peerreader.ReadTimeout: no message at all for
// this long is a protocol-level eviction trigger.
const KeepAliveTimeout = 120 * time.Second

// PieceMessage pairs a decoded piece block with the peer it arrived from,
// letting the controller route it back to the right piecedownloader.
type PieceMessage struct {
	Peer  *Peer
	Piece peerreader.Piece
}

// Message pairs any other decoded wire message with its origin peer.
type Message struct {
	Peer    *Peer
	Message interface{}
}

// Peer is the controller's view of one connected swarm member.
type Peer struct {
	conn      *peerconn.PeerConn
	direction Direction
	log       logger.Logger

	mu             sync.Mutex
	bitfield       *bitfield.Bitfield
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	OptimisticUnchoked bool
	Snubbed        bool
	lastMessageAt  time.Time
	lastDownloadAt time.Time

	allowedFast map[uint32]bool

	bytesDownloaded int64
	bytesUploaded   int64
	bytesWasted     int64

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA
}

// New wraps an already-handshaken connection. numPieces sizes the peer's
// remote bitfield; am_choking/peer_choking start true, am_interested/
// peer_interested start false, per spec §4.6.
func New(conn *peerconn.PeerConn, direction Direction, numPieces uint32) *Peer {
	now := time.Now()
	return &Peer{
		conn:           conn,
		direction:      direction,
		log:            conn.Logger(),
		bitfield:       bitfield.New(numPieces),
		AmChoking:      true,
		PeerChoking:    true,
		allowedFast:    make(map[uint32]bool),
		lastMessageAt:  now,
		lastDownloadAt: now,
		downloadSpeed:  metrics.NewEWMA1(),
		uploadSpeed:    metrics.NewEWMA1(),
	}
}

// ID returns the remote peer id from the handshake.
func (p *Peer) ID() [20]byte { return p.conn.ID() }

// String identifies the peer by socket address for logging.
func (p *Peer) String() string { return p.conn.String() }

// Direction reports whether we dialed or accepted this connection.
func (p *Peer) Direction() Direction { return p.direction }

// Logger returns the per-peer logger.
func (p *Peer) Logger() logger.Logger { return p.log }

// Bitfield returns the remote peer's known piece set.
func (p *Peer) Bitfield() *bitfield.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield
}

// Has reports whether the remote peer has piece i.
func (p *Peer) Has(i uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.Test(i)
}

// Choke sends a choke message if we are not already choking.
func (p *Peer) Choke() {
	p.mu.Lock()
	if p.AmChoking {
		p.mu.Unlock()
		return
	}
	p.AmChoking = true
	p.mu.Unlock()
	p.conn.SendMessage(peerprotocol.ChokeMessage{})
}

// Unchoke sends an unchoke message if we are currently choking.
func (p *Peer) Unchoke() {
	p.mu.Lock()
	if !p.AmChoking {
		p.mu.Unlock()
		return
	}
	p.AmChoking = false
	p.mu.Unlock()
	p.conn.SendMessage(peerprotocol.UnchokeMessage{})
}

// SetInterested sends an interested message if we are not already.
func (p *Peer) SetInterested() {
	p.mu.Lock()
	if p.AmInterested {
		p.mu.Unlock()
		return
	}
	p.AmInterested = true
	p.mu.Unlock()
	p.conn.SendMessage(peerprotocol.InterestedMessage{})
}

// SetNotInterested sends a not-interested message if we are currently interested.
func (p *Peer) SetNotInterested() {
	p.mu.Lock()
	if !p.AmInterested {
		p.mu.Unlock()
		return
	}
	p.AmInterested = false
	p.mu.Unlock()
	p.conn.SendMessage(peerprotocol.NotInterestedMessage{})
}

// SendMessage forwards a control message to the connection's writer.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	p.conn.SendMessage(msg)
}

// SendRequest sends a request for one part of a piece.
func (p *Peer) SendRequest(index, begin, length uint32) {
	p.conn.SendMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
}

// SendCancel withdraws a previously sent request.
func (p *Peer) SendCancel(index, begin, length uint32) {
	p.conn.SendMessage(peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length})
}

// SendPiece answers a request with a block read lazily from source.
func (p *Peer) SendPiece(req peerprotocol.RequestMessage, source peerwriter.PieceSource) {
	p.conn.SendPiece(req, source)
}

// IsAllowedFast reports whether piece i may be requested despite being
// choked, per the peer's advertised Fast Extension allowed-fast set.
func (p *Peer) IsAllowedFast(i uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowedFast[i]
}

// IsInterested reports whether the remote peer has told us it is
// interested in our pieces.
func (p *Peer) IsInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PeerInterested
}

// IsChokingThem reports whether we are currently choking this peer.
func (p *Peer) IsChokingThem() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.AmChoking
}

// IsChokingUs reports whether this peer is currently choking us, i.e.
// whether we may send it part requests.
func (p *Peer) IsChokingUs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PeerChoking
}

// AmInterestedIn reports whether we have told this peer we want its pieces.
func (p *Peer) AmInterestedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.AmInterested
}

// IsOptimisticUnchoked reports whether this peer is unchoked via the
// optimistic-unchoke rotation rather than the regular rate-based pass.
func (p *Peer) IsOptimisticUnchoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.OptimisticUnchoked
}

// SetOptimisticUnchoked records whether this peer is currently held
// unchoked by the optimistic-unchoke rotation (spec §4.6).
func (p *Peer) SetOptimisticUnchoked(v bool) {
	p.mu.Lock()
	p.OptimisticUnchoked = v
	p.mu.Unlock()
}

// Close tears down the underlying connection.
func (p *Peer) Close() {
	p.conn.Close()
}

// RecordDownload updates byte counters and the download EWMA; called by the
// controller once a block has been written to storage.
func (p *Peer) RecordDownload(n int) {
	p.mu.Lock()
	p.bytesDownloaded += int64(n)
	p.lastDownloadAt = time.Now()
	p.mu.Unlock()
	p.downloadSpeed.Update(int64(n))
}

// RecordUpload updates byte counters and the upload EWMA.
func (p *Peer) RecordUpload(n int) {
	p.mu.Lock()
	p.bytesUploaded += int64(n)
	p.mu.Unlock()
	p.uploadSpeed.Update(int64(n))
}

// RecordWasted accounts bytes received for a part we no longer needed
// (e.g. an endgame duplicate that lost the race).
func (p *Peer) RecordWasted(n int) {
	p.mu.Lock()
	p.bytesWasted += int64(n)
	p.mu.Unlock()
}

// Stats is a snapshot of this peer's transfer counters.
type Stats struct {
	BytesDownloaded, BytesUploaded, BytesWasted int64
	DownloadSpeed, UploadSpeed                  float64
}

// Stats returns a consistent snapshot of the peer's counters and rates.
func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloadSpeed.Tick()
	p.uploadSpeed.Tick()
	return Stats{
		BytesDownloaded: p.bytesDownloaded,
		BytesUploaded:   p.bytesUploaded,
		BytesWasted:     p.bytesWasted,
		DownloadSpeed:   p.downloadSpeed.Rate(),
		UploadSpeed:     p.uploadSpeed.Rate(),
	}
}

// IdleTooLong reports whether the eviction criteria of spec §4.6 are met:
// no message at all for KeepAliveTimeout, or a zero download rate for
// SnubTimeout while we are interested and unchoked.
func (p *Peer) IdleTooLong(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastMessageAt) > KeepAliveTimeout {
		return true
	}
	if p.AmInterested && !p.PeerChoking && now.Sub(p.lastDownloadAt) > SnubTimeout {
		p.Snubbed = true
		return true
	}
	return false
}

// Run consumes decoded messages from the connection, updating choke/
// interest/bitfield state locally and forwarding everything the controller
// needs to act on (have, bitfield, request, piece, extended, cancel)
// through outC. It returns when the connection closes.
func (p *Peer) Run(outC chan<- Message, pieceC chan<- PieceMessage) {
	for m := range p.conn.Messages() {
		p.mu.Lock()
		p.lastMessageAt = time.Now()
		p.mu.Unlock()

		switch v := m.(type) {
		case peerprotocol.ChokeMessage:
			p.mu.Lock()
			p.PeerChoking = true
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.UnchokeMessage:
			p.mu.Lock()
			p.PeerChoking = false
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.InterestedMessage:
			p.mu.Lock()
			p.PeerInterested = true
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.NotInterestedMessage:
			p.mu.Lock()
			p.PeerInterested = false
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.HaveMessage:
			p.mu.Lock()
			p.bitfield.Set(v.Index)
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.BitfieldMessage:
			p.mu.Lock()
			if bf, err := bitfield.NewFromBytes(v.Data, p.bitfield.Len()); err == nil {
				p.bitfield = bf
			}
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.HaveAllMessage:
			p.mu.Lock()
			p.bitfield.SetAll()
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.HaveNoneMessage:
			outC <- Message{Peer: p, Message: v}
		case peerprotocol.AllowedFastMessage:
			p.mu.Lock()
			p.allowedFast[v.Index] = true
			p.mu.Unlock()
			outC <- Message{Peer: p, Message: v}
		case *peerreader.Piece:
			pieceC <- PieceMessage{Peer: p, Piece: *v}
		default:
			outC <- Message{Peer: p, Message: v}
		}
	}
}
