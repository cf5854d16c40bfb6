// Package announcer runs the periodic tracker and DHT announce loops of
// spec §4.3/§4.4, plus the best-effort stopped-event announce fired when a
// torrent is removed: each as a standalone goroutine reporting results on a
// channel, matching the teacher's handshaker/allocator shape.
package announcer

import (
	"context"
	"net"
	"time"

	"github.com/yoep/torrentcore/internal/tracker"
	"github.com/yoep/torrentcore/internal/trackermanager"
)

// Result is one completed announce round, successful or not.
type Result struct {
	Response *tracker.AnnounceResponse
	Tracker  tracker.Tracker
	Error    error
}

// PeriodicalAnnouncer re-announces to req.Torrent's trackers on the
// interval the tracker last reported, falling back to
// tracker.MinInterval until a response is received.
type PeriodicalAnnouncer struct {
	mgr     *trackermanager.Manager
	req     tracker.Torrent
	ResultC chan Result
	closeC  chan struct{}
}

// NewPeriodical returns an announcer ready for Run.
func NewPeriodical(mgr *trackermanager.Manager, req tracker.Torrent) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		mgr:     mgr,
		req:     req,
		ResultC: make(chan Result, 1),
		closeC:  make(chan struct{}),
	}
}

// Run announces immediately, then again after each tracker-reported
// interval, until Close is called. Tracker re-announce never overtakes a
// pending announce to the same tracker (spec §5 ordering guarantee): the
// next timer is armed only after the current round completes.
func (a *PeriodicalAnnouncer) Run(ctx context.Context) {
	interval := tracker.MinInterval
	for {
		respCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, t, err := a.mgr.Announce(respCtx, a.req)
		cancel()

		result := Result{Response: resp, Tracker: t, Error: err}
		select {
		case a.ResultC <- result:
		case <-a.closeC:
			return
		case <-ctx.Done():
			return
		}

		switch {
		case resp != nil && resp.Interval >= tracker.MinInterval:
			interval = resp.Interval
		default:
			interval = tracker.MinInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-a.closeC:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Close stops the announce loop after its current round finishes.
func (a *PeriodicalAnnouncer) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
}

// DHTNode is the subset of dht.Node the announcer needs, kept narrow so this
// package does not import internal/dht directly (avoiding an import cycle
// risk with future dht consumers of announcer).
type DHTNode interface {
	GetPeers(ctx context.Context, infoHash [20]byte) []*net.UDPAddr
	AnnouncePeer(ctx context.Context, infoHash [20]byte, port int)
}

// DHTResult is one completed DHT announce/lookup round.
type DHTResult struct {
	Peers []*net.UDPAddr
}

// DHTAnnouncer periodically looks up and announces a torrent's info hash on
// the DHT (spec §4.4).
type DHTAnnouncer struct {
	node     DHTNode
	infoHash [20]byte
	port     int
	interval time.Duration
	ResultC  chan DHTResult
	closeC   chan struct{}
}

// DefaultDHTInterval mirrors the typical BEP 5 announce cadence.
const DefaultDHTInterval = 15 * time.Minute

// NewDHT returns a DHT announcer ready for Run.
func NewDHT(node DHTNode, infoHash [20]byte, port int) *DHTAnnouncer {
	return &DHTAnnouncer{
		node:     node,
		infoHash: infoHash,
		port:     port,
		interval: DefaultDHTInterval,
		ResultC:  make(chan DHTResult, 1),
		closeC:   make(chan struct{}),
	}
}

// Run looks up peers and announces on the interval until Close is called.
func (a *DHTAnnouncer) Run(ctx context.Context) {
	for {
		peers := a.node.GetPeers(ctx, a.infoHash)
		a.node.AnnouncePeer(ctx, a.infoHash, a.port)

		select {
		case a.ResultC <- DHTResult{Peers: peers}:
		case <-a.closeC:
			return
		case <-ctx.Done():
			return
		}

		timer := time.NewTimer(a.interval)
		select {
		case <-timer.C:
		case <-a.closeC:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Close stops the DHT announce loop after its current round finishes.
func (a *DHTAnnouncer) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
}

// StopEventAnnouncer fires a single best-effort "stopped" announce through
// the tracker manager's tier rotation when a torrent is removed or the
// session shuts down, per BEP 3's stopped event convention. Like any
// Manager.Announce it stops at the first tracker that accepts it; the other
// trackers are not told. It does not retry: trackers that are
// unreachable at shutdown simply expire the peer entry themselves.
type StopEventAnnouncer struct {
	mgr *trackermanager.Manager
	req tracker.Torrent
}

// NewStopEvent returns a stop announcer for req (Event should already be
// tracker.EventStopped).
func NewStopEvent(mgr *trackermanager.Manager, req tracker.Torrent) *StopEventAnnouncer {
	return &StopEventAnnouncer{mgr: mgr, req: req}
}

// Run sends the stopped announce with a bounded timeout and discards the
// result; callers fire this from a goroutine and do not wait on it.
func (a *StopEventAnnouncer) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = a.mgr.Announce(ctx, a.req)
}
