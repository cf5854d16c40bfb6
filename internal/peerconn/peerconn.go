// Package peerconn wires a peer's reader and writer tasks together behind a
// single handle the control loop talks to (spec §4.6). It is transport
// agnostic: TCP, µTP and HTTP webseed connections all satisfy net.Conn and
// share this one type, per the peer pool's "one bag of connections"
// collection.
package peerconn

import (
	"net"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peerconn/peerreader"
	"github.com/yoep/torrentcore/internal/peerconn/peerwriter"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

// Transport tags the underlying connection kind, reported on the Peer
// struct in §3's data model.
type Transport int

// Transport variants (spec §3 Peer.transport).
const (
	TransportTCP Transport = iota
	TransportUTP
	TransportWebseed
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUTP:
		return "utp"
	case TransportWebseed:
		return "webseed"
	default:
		return "unknown"
	}
}

// PeerConn bundles a live connection with its reader/writer tasks.
type PeerConn struct {
	conn          net.Conn
	id            [20]byte
	transport     Transport
	FastExtension bool
	Extended      bool
	DHT           bool

	reader *peerreader.PeerReader
	writer *peerwriter.PeerWriter

	log     logger.Logger
	closeC  chan struct{}
	closedC chan struct{}
}

// New builds a PeerConn around an already-handshaken conn.
func New(conn net.Conn, id [20]byte, transport Transport, fastExtension, extended, dht bool, l logger.Logger) *PeerConn {
	return &PeerConn{
		conn:          conn,
		id:            id,
		transport:     transport,
		FastExtension: fastExtension,
		Extended:      extended,
		DHT:           dht,
		reader:        peerreader.New(conn, l, fastExtension),
		writer:        peerwriter.New(conn, l),
		log:           l,
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
}

// ID returns the remote peer id exchanged at handshake.
func (p *PeerConn) ID() [20]byte { return p.id }

// Transport reports which transport carries this connection.
func (p *PeerConn) Transport() Transport { return p.transport }

// String implements Stringer for logging, identifying the peer by address.
func (p *PeerConn) String() string {
	return p.conn.RemoteAddr().String()
}

// Addr returns the remote socket address.
func (p *PeerConn) Addr() net.Addr { return p.conn.RemoteAddr() }

// Logger returns the per-peer logger.
func (p *PeerConn) Logger() logger.Logger { return p.log }

// Messages returns the channel of decoded inbound messages.
func (p *PeerConn) Messages() <-chan interface{} {
	return p.reader.Messages()
}

// SendMessage enqueues an outbound control message.
func (p *PeerConn) SendMessage(msg peerprotocol.Message) {
	p.writer.SendMessage(msg)
}

// SendPiece enqueues an outbound piece block, read lazily from source.
func (p *PeerConn) SendPiece(msg peerprotocol.RequestMessage, source peerwriter.PieceSource) {
	p.writer.SendPiece(msg, source)
}

// Close signals both tasks to stop and waits for them to exit.
func (p *PeerConn) Close() {
	close(p.closeC)
	<-p.closedC
}

// Run starts the reader and writer tasks and blocks until either exits or
// Close is called, tearing the connection down in every case.
func (p *PeerConn) Run() {
	defer close(p.closedC)

	readerDone := make(chan struct{})
	go func() {
		p.reader.Run(p.closeC)
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		p.writer.Run(p.closeC)
		close(writerDone)
	}()

	select {
	case <-p.closeC:
		p.conn.Close()
		<-readerDone
		<-writerDone
	case <-readerDone:
		p.conn.Close()
		<-writerDone
	case <-writerDone:
		p.conn.Close()
		<-readerDone
	}
}
