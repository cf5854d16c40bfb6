package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yoep/torrentcore/internal/event"
	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/session"
)

// errStalled marks an awaitPiece timeout, distinguished from a client
// disconnect (context cancellation) so callers can tell the two apart.
var errStalled = errors.New("stream: stall timeout waiting for piece")

// Controller is the subset of *session.Controller a Resource needs. Narrowed
// to an interface so resource_test.go can exercise the streaming logic
// without a live torrent.
type Controller interface {
	Layout() *piece.Layout
	PieceCompleted(index uint32) bool
	ReadFileRange(fileIndex int, ioOffset int64, length int) ([]byte, error)
	SetSequential(seq bool)
	SetPiecePriority(index uint32, p piece.Priority)
	Subscribe() *event.Subscription[session.TorrentEvent]
}

// Resource streams one file out of one torrent (spec §4.11, supplemented
// feature 6: the Preparing/Streaming/Stopped state machine).
type Resource struct {
	name         string
	controller   Controller
	fileIndex    int
	file         *piece.File
	layout       *piece.Layout
	chunkSize    int
	stallTimeout time.Duration
	log          logger.Logger

	mu      sync.Mutex
	state   State
	readers int
	events  *event.Bus[Event]
}

func newResource(name string, c Controller, fileIndex int, chunkSize int, stallTimeout time.Duration) (*Resource, error) {
	layout := c.Layout()
	if layout == nil {
		return nil, errors.New("stream: torrent metadata not yet resolved")
	}
	if fileIndex < 0 || fileIndex >= len(layout.Files) {
		return nil, fmt.Errorf("stream: file index %d out of range", fileIndex)
	}
	return &Resource{
		name:         name,
		controller:   c,
		fileIndex:    fileIndex,
		file:         layout.Files[fileIndex],
		layout:       layout,
		chunkSize:    chunkSize,
		stallTimeout: stallTimeout,
		log:          logger.New("stream " + name),
		state:        StatePreparing,
		events:       event.NewBus[Event](),
	}, nil
}

// State returns the resource's current lifecycle state.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers a new listener for this resource's state/stats events.
func (r *Resource) Subscribe() *event.Subscription[Event] {
	return r.events.Subscribe()
}

// Stop transitions the resource to Stopped, rejecting any further requests.
// Called explicitly (Server.Unregister) or on torrent removal; reaching zero
// active readers does not stop the resource on its own, since a media player
// issues many sequential requests against the same resource over its
// lifetime (spec §4.11).
func (r *Resource) Stop() {
	r.setState(StateStopped)
}

func (r *Resource) setState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	r.events.Publish(Event{Kind: EventStateChanged, State: s, Timestamp: time.Now()})
}

// ServeHTTP implements the per-request logic of spec §4.11 steps 2-7 for one
// GET against this resource.
func (r *Resource) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		http.Error(w, ErrInvalidState.Error(), http.StatusConflict)
		return
	}
	r.readers++
	first := r.readers == 1
	r.mu.Unlock()
	if first {
		r.controller.SetSequential(true)
		r.setState(StateStreaming)
	}
	defer r.dropReader()

	total := r.file.Length
	start, end, hasRange, err := parseRange(req.Header.Get("Range"), total)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	ioStart := start
	torrentStart := r.file.Offset + start
	torrentEnd := r.file.Offset + end + 1
	r.promotePriorities(torrentStart)

	w.Header().Set("Accept-Ranges", "bytes")
	length := end - start + 1
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		status := http.StatusPartialContent
		if isLegacyClient(req.UserAgent()) {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
	}

	if req.Method == http.MethodHead {
		return
	}

	if err := r.streamRange(req.Context(), w, torrentStart, torrentEnd, ioStart); err != nil {
		r.log.Debugln("stream ended:", err)
	}
}

// dropReader releases one active-reader slot on request completion. It does
// not stop the resource: a media player issues many sequential requests
// (initial probe, seeks, re-buffer) against the same resource, so the
// resource stays Streaming across them and is only ever torn down by an
// explicit Stop()/Server.Unregister or torrent removal.
func (r *Resource) dropReader() {
	r.mu.Lock()
	r.readers--
	r.mu.Unlock()
}

// promotePriorities raises the pieces covering and immediately following
// torrentStart so the scheduler favours the current read head (spec §4.11
// step 4).
func (r *Resource) promotePriorities(torrentStart int64) {
	const nowPieces, nextPieces, readaheadPieces = 2, 4, 12
	startIdx, _ := r.layout.PieceContainingByte(torrentStart)
	for i := 0; i < nowPieces+nextPieces+readaheadPieces; i++ {
		idx := startIdx + i
		if idx >= len(r.layout.Pieces) {
			break
		}
		var p piece.Priority
		switch {
		case i < nowPieces:
			p = piece.Now
		case i < nowPieces+nextPieces:
			p = piece.Next
		default:
			p = piece.Readahead
		}
		r.controller.SetPiecePriority(uint32(idx), p)
	}
}

// streamRange writes [torrentStart, torrentEnd) to w in chunkSize-sized
// pieces, blocking on awaitRange for each chunk not yet on disk.
func (r *Resource) streamRange(ctx context.Context, w http.ResponseWriter, torrentStart, torrentEnd, ioStart int64) error {
	flusher, _ := w.(http.Flusher)
	for off := torrentStart; off < torrentEnd; {
		n := int64(r.chunkSize)
		if off+n > torrentEnd {
			n = torrentEnd - off
		}
		if err := r.awaitRange(ctx, off, off+n); err != nil {
			return err
		}
		ioOffset := ioStart + (off - torrentStart)
		data, err := r.controller.ReadFileRange(r.fileIndex, ioOffset, int(n))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		off += n
	}
	return nil
}

func (r *Resource) awaitRange(ctx context.Context, start, end int64) error {
	startIdx, _ := r.layout.PieceContainingByte(start)
	endIdx, _ := r.layout.PieceContainingByte(end - 1)
	for idx := startIdx; idx <= endIdx; idx++ {
		if err := r.awaitPiece(ctx, uint32(idx)); err != nil {
			return err
		}
	}
	return nil
}

// awaitPiece blocks until index is complete, the request context is
// cancelled, or stallTimeout elapses with no progress (spec §4.11 step 5).
func (r *Resource) awaitPiece(ctx context.Context, index uint32) error {
	if r.controller.PieceCompleted(index) {
		return nil
	}
	sub := r.controller.Subscribe()
	defer sub.Unsubscribe()

	timer := time.NewTimer(r.stallTimeout)
	defer timer.Stop()
	for {
		if r.controller.PieceCompleted(index) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: piece %d", errStalled, index)
		case _, ok := <-sub.C:
			if !ok {
				return errors.New("stream: torrent closed")
			}
		}
	}
}

// parseRange parses an RFC 7233 "bytes=start-end" header against a file of
// size total. An empty header yields the full range with hasRange=false.
func parseRange(header string, total int64) (start, end int64, hasRange bool, err error) {
	if header == "" {
		return 0, total - 1, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, ErrInvalidRange
	}
	spec := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(spec) != 2 {
		return 0, 0, false, ErrInvalidRange
	}
	if spec[0] == "" {
		// Suffix form "bytes=-N": last N bytes.
		n, perr := strconv.ParseInt(spec[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, ErrInvalidRange
		}
		if n > total {
			n = total
		}
		return total - n, total - 1, true, nil
	}
	start, err = strconv.ParseInt(spec[0], 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false, ErrInvalidRange
	}
	if spec[1] == "" {
		return start, total - 1, true, nil
	}
	end, err = strconv.ParseInt(spec[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, false, ErrInvalidRange
	}
	if end >= total {
		end = total - 1
	}
	return start, end, true, nil
}

// isLegacyClient reports whether userAgent identifies a client that chokes
// on a 206 response body (spec §4.11 step 6: "Java prefix user-agent").
func isLegacyClient(userAgent string) bool {
	return strings.HasPrefix(userAgent, "Java")
}
