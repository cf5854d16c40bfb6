// Package webseed implements the HTTP webseed peer variant of spec §6.2:
// a peer that answers piece requests with byte-range GETs against a
// webseed URL instead of speaking the wire protocol.
package webseed

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/piece"
)

// PollInterval is how often the peer checks for newly wanted pieces,
// mirroring the original's 3-second scan tick.
const PollInterval = 3 * time.Second

// MaxPiecesPerTick bounds how many pieces are requested in a single scan,
// so one webseed never monopolizes the torrent's download permits.
const MaxPiecesPerTick = 3

// Stats mirrors the peer-facing counters every transport reports.
type Stats struct {
	Downloaded       int64
	DownloadedUseful int64
}

// Peer is a read-only HTTP peer: it never receives wire messages and is
// always considered to have every piece the torrent's files expose.
type Peer struct {
	URL      string
	FileName string // relative path segment this webseed URL serves, when the torrent is multi-file
	log      logger.Logger

	client *resty.Client

	mu    sync.Mutex
	stats Stats

	PieceDoneC chan PieceResult
	closeC     chan struct{}
}

// PieceResult carries one fetched-and-sliced piece's parts back to the
// caller, which is expected to feed them through piece.Piece.RecordPart
// exactly as it would wire-received parts.
type PieceResult struct {
	Piece *piece.Piece
	Parts map[uint32][]byte // part index -> bytes
	Err   error
}

// New returns a webseed peer for rawURL, unstarted.
func New(rawURL string, l logger.Logger) (*Peer, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("webseed: invalid url %q: %w", rawURL, err)
	}
	client := resty.New().
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(3)).
		SetTimeout(30 * time.Second)
	return &Peer{
		URL:        rawURL,
		log:        l,
		client:     client,
		PieceDoneC: make(chan PieceResult, 4),
		closeC:     make(chan struct{}),
	}, nil
}

// Stats returns a snapshot of transfer counters.
func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the peer's scan loop.
func (p *Peer) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
}

// Run polls wantedC for pieces to fetch until closed. wantedC is expected to
// be refilled by the caller (the torrent control loop) each tick with up to
// MaxPiecesPerTick currently-wanted pieces this webseed should attempt.
func (p *Peer) Run(wantedC <-chan *piece.Piece) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeC:
			return
		case pc, ok := <-wantedC:
			if !ok {
				return
			}
			p.fetchPiece(pc)
		}
	}
}

// fetchPiece issues a single ranged GET covering the whole piece and slices
// the response body across the piece's parts.
func (p *Peer) fetchPiece(pc *piece.Piece) {
	start := pc.OffsetInTorrent
	end := start + int64(pc.Length)

	resp, err := p.client.R().
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", start, end-1)).
		Get(p.URL)
	if err != nil {
		p.PieceDoneC <- PieceResult{Piece: pc, Err: err}
		return
	}

	p.mu.Lock()
	p.stats.Downloaded += int64(len(resp.Body()))
	p.mu.Unlock()

	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusPartialContent {
		p.PieceDoneC <- PieceResult{Piece: pc, Err: fmt.Errorf("webseed: unexpected status %d from %s", resp.StatusCode(), p.URL)}
		return
	}

	body := resp.Body()
	parts := make(map[uint32][]byte)
	for _, part := range pc.Parts() {
		if part.IsCompleted() {
			continue
		}
		partEnd := int64(part.Begin) + int64(part.Length)
		if partEnd > int64(len(body)) {
			p.PieceDoneC <- PieceResult{Piece: pc, Err: fmt.Errorf("webseed: response body too short for part %d (have %d, need %d)", part.Index, len(body), partEnd)}
			return
		}
		data := make([]byte, part.Length)
		copy(data, body[part.Begin:partEnd])
		parts[part.Index] = data
	}

	p.mu.Lock()
	for _, d := range parts {
		p.stats.DownloadedUseful += int64(len(d))
	}
	p.mu.Unlock()

	p.PieceDoneC <- PieceResult{Piece: pc, Parts: parts}
}
