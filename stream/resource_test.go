package stream

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoep/torrentcore/internal/event"
	"github.com/yoep/torrentcore/internal/piece"
	"github.com/yoep/torrentcore/session"
)

// fakeController is a minimal stream.Controller backed by an in-memory byte
// slice, standing in for *session.Controller in tests.
type fakeController struct {
	layout    *piece.Layout
	data      []byte
	completed map[uint32]bool
	bus       *event.Bus[session.TorrentEvent]
	seq       bool
	priority  map[uint32]piece.Priority
}

func newFakeController(total int64, pieceLength int64, data []byte) *fakeController {
	n := int((total + pieceLength - 1) / pieceLength)
	pieces := make([]*piece.Piece, n)
	for i := 0; i < n; i++ {
		off := int64(i) * pieceLength
		length := pieceLength
		if off+length > total {
			length = total - off
		}
		pieces[i] = piece.New(uint32(i), off, uint32(length), nil, false)
	}
	file := &piece.File{Index: 0, Segments: []string{"movie.mkv"}, Length: total, Offset: 0}
	return &fakeController{
		layout:    &piece.Layout{PieceLength: pieceLength, TotalLength: total, Pieces: pieces, Files: []*piece.File{file}},
		data:      data,
		completed: make(map[uint32]bool),
		bus:       event.NewBus[session.TorrentEvent](),
		priority:  make(map[uint32]piece.Priority),
	}
}

func (f *fakeController) Layout() *piece.Layout { return f.layout }

func (f *fakeController) PieceCompleted(index uint32) bool { return f.completed[index] }

func (f *fakeController) ReadFileRange(fileIndex int, ioOffset int64, length int) ([]byte, error) {
	return f.data[ioOffset : ioOffset+int64(length)], nil
}

func (f *fakeController) SetSequential(seq bool) { f.seq = seq }

func (f *fakeController) SetPiecePriority(index uint32, p piece.Priority) {
	f.priority[index] = p
}

func (f *fakeController) Subscribe() *event.Subscription[session.TorrentEvent] {
	return f.bus.Subscribe()
}

func (f *fakeController) completeAll() {
	for i := range f.layout.Pieces {
		f.completed[uint32(i)] = true
	}
	f.bus.Publish(session.TorrentEvent{Kind: session.EventPieceCompleted})
}

func TestResourceServesFullFileWithoutRangeHeader(t *testing.T) {
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	c := newFakeController(10, 4, data)
	c.completeAll()

	res, err := newResource("movie.mkv", c, 0, 4, time.Second)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	res.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
}

func TestResourceServesPartialRange(t *testing.T) {
	data := []byte("0123456789")
	c := newFakeController(10, 4, data)
	c.completeAll()

	res, err := newResource("movie.mkv", c, 0, 4, time.Second)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	req.Header.Set("Range", "bytes=2-5")
	res.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "2345", w.Body.String())
	assert.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))
	assert.True(t, c.seq, "a streaming reader must force sequential piece selection")
}

func TestResourceRejectsMalformedRange(t *testing.T) {
	c := newFakeController(10, 4, []byte("0123456789"))
	c.completeAll()
	res, err := newResource("movie.mkv", c, 0, 4, time.Second)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	req.Header.Set("Range", "not-a-range")
	res.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}

func TestResourceUsesPlainStatusForJavaUserAgent(t *testing.T) {
	c := newFakeController(10, 4, []byte("0123456789"))
	c.completeAll()
	res, err := newResource("movie.mkv", c, 0, 4, time.Second)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	req.Header.Set("Range", "bytes=0-3")
	req.Header.Set("User-Agent", "Java/1.8.0_292")
	res.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bytes 0-3/10", w.Header().Get("Content-Range"))
}

func TestResourceStaysStreamingAcrossSequentialRequests(t *testing.T) {
	c := newFakeController(10, 4, []byte("0123456789"))
	c.completeAll()
	res, err := newResource("movie.mkv", c, 0, 4, time.Second)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	res.ServeHTTP(w, req)

	// A media player issues many sequential requests (initial probe, seeks,
	// re-buffer) against the same resource; none of them should stop it.
	assert.Equal(t, StateStreaming, res.State())

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	req2.Header.Set("Range", "bytes=4-7")
	res.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusPartialContent, w2.Code)
	assert.Equal(t, "4567", w2.Body.String())
	assert.Equal(t, StateStreaming, res.State())
}

func TestResourceRejectsRequestsAfterExplicitStop(t *testing.T) {
	c := newFakeController(10, 4, []byte("0123456789"))
	c.completeAll()
	res, err := newResource("movie.mkv", c, 0, 4, time.Second)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	res.ServeHTTP(w, req)
	assert.Equal(t, StateStreaming, res.State())

	res.Stop()
	assert.Equal(t, StateStopped, res.State())

	w2 := httptest.NewRecorder()
	res.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusConflict, w2.Code)
}

func TestResourceTimesOutWaitingForMissingPiece(t *testing.T) {
	c := newFakeController(10, 4, []byte("0123456789"))
	// Deliberately never mark pieces complete.

	res, err := newResource("movie.mkv", c, 0, 4, 20*time.Millisecond)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video/movie.mkv", nil)
	res.ServeHTTP(w, req)

	// Headers are written eagerly; the body never completes.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.Bytes())
}
