package stream

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/yoep/torrentcore/internal/logger"
)

// DefaultChunkSize is the default streaming read granularity (spec §4.11
// step 5: "default 256 KiB").
const DefaultChunkSize = 256 * 1024

// DefaultStallTimeout is how long a request waits for a missing chunk to
// become available before giving up (spec §4.11 step 5: "default 60 s").
const DefaultStallTimeout = 60 * time.Second

// Server is the HTTP streaming server of spec §4.11: a single listener
// multiplexing GET requests across every registered Resource.
type Server struct {
	ln     net.Listener
	http   *http.Server
	router *mux.Router
	log    logger.Logger

	chunkSize    int
	stallTimeout time.Duration

	mu        sync.Mutex
	resources map[string]*Resource
}

// New binds addr (":0" picks an OS-assigned port, per spec §4.11) and starts
// serving in the background. A chunkSize or stallTimeout of zero falls back
// to the package defaults.
func New(addr string, chunkSize int, stallTimeout time.Duration) (*Server, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:           ln,
		router:       mux.NewRouter(),
		log:          logger.New("stream"),
		chunkSize:    chunkSize,
		stallTimeout: stallTimeout,
		resources:    make(map[string]*Resource),
	}
	s.router.HandleFunc("/video/{name}", s.handleVideo).Methods(http.MethodGet, http.MethodHead)
	s.http = &http.Server{Handler: s.router}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorln("serve:", err)
		}
	}()
	return s, nil
}

// Port returns the TCP port the server is bound to.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Register builds a Resource streaming file fileIndex out of c and exposes
// it at /video/<percent-encoded name>. name is typically the file's own
// display name; callers pick it so the URL stays stable across restarts.
func (s *Server) Register(name string, c Controller, fileIndex int) (*Resource, error) {
	key := url.PathEscape(name)
	res, err := newResource(key, c, fileIndex, s.chunkSize, s.stallTimeout)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.resources[key] = res
	s.mu.Unlock()
	return res, nil
}

// Unregister stops name's resource, if any, and removes it from the router
// (spec §4.11: "transitions to Stopped on ... torrent removal").
func (s *Server) Unregister(name string) {
	key := url.PathEscape(name)
	s.mu.Lock()
	res, ok := s.resources[key]
	delete(s.resources, key)
	s.mu.Unlock()
	if ok {
		res.Stop()
	}
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	// mux yields the decoded path segment; resources are keyed by its
	// percent-encoded form.
	name := url.PathEscape(mux.Vars(r)["name"])
	s.mu.Lock()
	res, ok := s.resources[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	res.ServeHTTP(w, r)
}

// Close stops every registered resource and shuts the listener down.
func (s *Server) Close() error {
	s.mu.Lock()
	resources := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		resources = append(resources, r)
	}
	s.resources = make(map[string]*Resource)
	s.mu.Unlock()

	for _, r := range resources {
		r.Stop()
	}
	return s.http.Close()
}
