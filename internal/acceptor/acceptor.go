// Package acceptor runs the TCP listener accept loop shared by every
// torrent in a session: one socket, dispatched by info hash at handshake
// time (spec §4.10).
package acceptor

import (
	"net"

	"github.com/yoep/torrentcore/internal/logger"
)

// Acceptor accepts inbound TCP connections and hands them to ConnC for
// handshake dispatch.
type Acceptor struct {
	listener net.Listener
	log      logger.Logger
	ConnC    chan net.Conn
	closeC   chan struct{}
}

// New binds addr (":<port>", or ":0" to let the OS assign a port) and
// returns an Acceptor ready for Run.
func New(addr string, l logger.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		listener: ln,
		log:      l,
		ConnC:    make(chan net.Conn),
		closeC:   make(chan struct{}),
	}, nil
}

// Port returns the bound TCP port (useful after binding ":0").
func (a *Acceptor) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Run accepts connections until Close is called.
func (a *Acceptor) Run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				continue
			}
		}
		select {
		case a.ConnC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops the accept loop and closes the listening socket.
func (a *Acceptor) Close() error {
	close(a.closeC)
	return a.listener.Close()
}
