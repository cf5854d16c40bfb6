package peerreader

import (
	"time"

	"github.com/yoep/torrentcore/internal/peerprotocol"
)

// Piece wraps a decoded piece message together with its block payload, kept
// as a distinct type (rather than embedding the block in PieceMessage
// itself) so the control loop can match it against an outstanding request
// without the frame decoder paying for an unused field on every message.
type Piece struct {
	peerprotocol.PieceMessage
	Data []byte

	// Elapsed is a slot for the block's transfer duration, for rate/latency
	// accounting. PeerReader does not fill it in, so it is zero on every
	// Piece it delivers.
	Elapsed time.Duration
}
