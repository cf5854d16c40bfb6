package stream

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerRoutesRegisteredResource(t *testing.T) {
	s, err := New("127.0.0.1:0", 4, time.Second)
	require.NoError(t, err)
	defer s.Close()

	c := newFakeController(10, 4, []byte("0123456789"))
	c.completeAll()
	_, err = s.Register("movie.mkv", c, 0)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/video/movie.mkv", s.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(body))
}

func TestServerReturns404ForUnknownResource(t *testing.T) {
	s, err := New("127.0.0.1:0", 4, time.Second)
	require.NoError(t, err)
	defer s.Close()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/video/nope.mkv", s.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerUnregisterStopsResource(t *testing.T) {
	s, err := New("127.0.0.1:0", 4, time.Second)
	require.NoError(t, err)
	defer s.Close()

	c := newFakeController(10, 4, []byte("0123456789"))
	c.completeAll()
	res, err := s.Register("movie.mkv", c, 0)
	require.NoError(t, err)

	s.Unregister("movie.mkv")
	assert.Equal(t, StateStopped, res.State())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/video/movie.mkv", s.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
