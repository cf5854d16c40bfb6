// Package peerwriter runs the writer half of a peer connection: it drains an
// outbound message queue and encodes frames onto the socket, including
// streaming piece blocks directly from storage (spec §4.6).
package peerwriter

import (
	"net"
	"time"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

// KeepAliveInterval is how often a keep-alive is sent, whether or not other
// frames were written in between, comfortably inside the 120s read timeout
// both sides enforce.
const KeepAliveInterval = 100 * time.Second

// PieceSource supplies the raw bytes for an outgoing piece message without
// requiring the writer to know anything about storage layout.
type PieceSource interface {
	ReadBlock(index, begin, length uint32) ([]byte, error)
}

// PeerWriter serializes peerprotocol.Message values onto conn from a queue,
// plus a separate channel for outgoing piece blocks so queued blocks do not
// sit ahead of control messages in a single FIFO. Run serves the two
// channels with no fixed priority between them.
type PeerWriter struct {
	conn     net.Conn
	log      logger.Logger
	messageC chan peerprotocol.Message
	pieceC   chan pieceRequest
}

type pieceRequest struct {
	msg    peerprotocol.RequestMessage
	source PieceSource
}

// New returns a writer for conn with a modestly buffered outbound queue;
// the control loop blocks on SendMessage once it fills, which is the
// intended back-pressure signal that this peer cannot keep up.
func New(conn net.Conn, l logger.Logger) *PeerWriter {
	return &PeerWriter{
		conn:     conn,
		log:      l,
		messageC: make(chan peerprotocol.Message, 64),
		pieceC:   make(chan pieceRequest, 8),
	}
}

// SendMessage enqueues a control message for transmission.
func (w *PeerWriter) SendMessage(msg peerprotocol.Message) {
	w.messageC <- msg
}

// SendPiece enqueues a piece block for transmission, read from source at
// send time so the writer never buffers more than one block in memory.
func (w *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, source PieceSource) {
	w.pieceC <- pieceRequest{msg: msg, source: source}
}

// Run drains the queues until stopC is closed, writing a keep-alive every
// KeepAliveInterval.
func (w *PeerWriter) Run(stopC chan struct{}) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopC:
			return
		case msg := <-w.messageC:
			if err := peerprotocol.WriteMessage(w.conn, msg); err != nil {
				return
			}
		case pr := <-w.pieceC:
			if err := w.writePiece(pr); err != nil {
				return
			}
		case <-ticker.C:
			if err := peerprotocol.WriteKeepAlive(w.conn); err != nil {
				return
			}
		}
	}
}

func (w *PeerWriter) writePiece(pr pieceRequest) error {
	block, err := pr.source.ReadBlock(pr.msg.Index, pr.msg.Begin, pr.msg.Length)
	if err != nil {
		return err
	}
	if err := peerprotocol.WritePieceHeader(w.conn, pr.msg.Index, pr.msg.Begin, uint32(len(block))); err != nil {
		return err
	}
	_, err = w.conn.Write(block)
	return err
}
