// Package infodownloader fetches the info dictionary from a peer over
// ut_metadata (BEP 9) when a torrent was only known by magnet URI, one
// 16 KiB metadata piece at a time.
package infodownloader

import (
	"fmt"

	"github.com/willf/bitset"

	"github.com/yoep/torrentcore/internal/peer"
	"github.com/yoep/torrentcore/internal/peerprotocol"
)

// MetadataPieceLength is BEP 9's fixed metadata piece size.
const MetadataPieceLength = 16 * 1024

type metaPiece struct {
	size uint32
}

// InfoDownloader pipelines ut_metadata requests to one peer until every
// metadata piece has arrived.
type InfoDownloader struct {
	Peer  *peer.Peer
	Bytes []byte

	extensionID    uint8
	pieces         []metaPiece
	requested      *bitset.BitSet
	nextPieceIndex uint32
}

// New returns a downloader for a peer that has already completed its LTEP
// extended handshake advertising ut_metadata and metadata_size.
func New(pe *peer.Peer, extensionID uint8, metadataSize int) *InfoDownloader {
	pieces := buildPieces(metadataSize)
	return &InfoDownloader{
		Peer:        pe,
		Bytes:       make([]byte, metadataSize),
		extensionID: extensionID,
		pieces:      pieces,
		requested:   bitset.New(uint(len(pieces))),
	}
}

func buildPieces(metadataSize int) []metaPiece {
	n := metadataSize / MetadataPieceLength
	rem := metadataSize % MetadataPieceLength
	if rem != 0 {
		n++
	}
	pieces := make([]metaPiece, n)
	for i := range pieces {
		pieces[i] = metaPiece{size: MetadataPieceLength}
	}
	if rem != 0 && len(pieces) > 0 {
		pieces[len(pieces)-1].size = uint32(rem)
	}
	return pieces
}

// GotPiece stores a ut_metadata "data" message's payload, erroring if it
// was not requested or its length does not match the expected piece size.
func (d *InfoDownloader) GotPiece(index uint32, data []byte) error {
	if !d.requested.Test(uint(index)) {
		return fmt.Errorf("infodownloader: unrequested metadata piece %d", index)
	}
	if index >= uint32(len(d.pieces)) {
		return fmt.Errorf("infodownloader: metadata piece index %d out of range", index)
	}
	want := d.pieces[index].size
	if uint32(len(data)) != want {
		return fmt.Errorf("infodownloader: metadata piece %d length %d, want %d", index, len(data), want)
	}
	d.requested.Clear(uint(index))
	begin := index * MetadataPieceLength
	copy(d.Bytes[begin:begin+want], data)
	return nil
}

// Rejected drops a piece from the requested set after a BEP 9 reject
// message, allowing it to be re-requested (or requested from another peer
// by a fresh InfoDownloader). The next RequestPieces call resumes from the
// rejected index, requesting again every later piece not outstanding.
func (d *InfoDownloader) Rejected(index uint32) {
	d.requested.Clear(uint(index))
	if index < d.nextPieceIndex {
		d.nextPieceIndex = index
	}
}

// RequestPieces tops up the outstanding request count up to queueLength.
func (d *InfoDownloader) RequestPieces(queueLength int) {
	for ; d.nextPieceIndex < uint32(len(d.pieces)) && int(d.requested.Count()) < queueLength; d.nextPieceIndex++ {
		if d.requested.Test(uint(d.nextPieceIndex)) {
			continue
		}
		payload, err := peerprotocol.UTMetadataMessage{
			MsgType: peerprotocol.UTMetadataRequest,
			Piece:   int(d.nextPieceIndex),
		}.Encode()
		if err != nil {
			continue
		}
		d.Peer.SendMessage(peerprotocol.ExtendedMessage{
			ExtendedMessageID: d.extensionID,
			Payload:           payload,
		})
		d.requested.Set(uint(d.nextPieceIndex))
	}
}

// Done reports whether every metadata piece has been received.
func (d *InfoDownloader) Done() bool {
	return d.nextPieceIndex == uint32(len(d.pieces)) && d.requested.None()
}
