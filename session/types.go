package session

import (
	"errors"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/yoep/torrentcore/internal/metainfo"
	"github.com/yoep/torrentcore/internal/piece"
)

// Handle uniquely identifies one torrent for the lifetime of a Session,
// independent of its info hash (a magnet torrent's info hash is unknown
// until metadata arrives, but its Handle is assigned at add_from_uri time).
type Handle string

func newHandle() Handle {
	return Handle(uuid.NewV4().String())
}

// State is the Torrent Controller's lifecycle state (spec §3 Torrent.state).
type State int

// Torrent states.
const (
	StateMetadataPending State = iota
	StateAllocating
	StateVerifying
	StateDownloading
	StateSeeding
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateMetadataPending:
		return "metadata_pending"
	case StateAllocating:
		return "allocating"
	case StateVerifying:
		return "verifying"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// AddFlags controls how AddFromURI behaves (spec §4.9 add_from_uri flags).
type AddFlags struct {
	// Paused adds the torrent in StatePaused instead of starting it
	// immediately.
	Paused bool
	// SequentialDownload enables sequential (streaming-friendly) piece
	// selection from the start instead of rarest-first.
	SequentialDownload bool
}

// Stats is a point-in-time snapshot of one torrent's progress and transfer
// rates (spec §3 Torrent stats).
type Stats struct {
	Handle          Handle
	InfoHash        string
	Name            string
	State           State
	BytesCompleted  int64
	BytesTotal      int64
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	DownloadSpeed   float64
	UploadSpeed     float64
	Peers           int
	Seeders         int
	Leechers        int
}

// TorrentEventKind distinguishes the events published on a Controller's
// event bus (spec §9 "Callbacks and listeners").
type TorrentEventKind int

// Torrent event kinds.
const (
	EventMetadataReceived TorrentEventKind = iota
	EventStateChanged
	EventPieceCompleted
	EventDownloadCompleted
	EventError
)

// TorrentEvent is published on a Controller's event bus whenever its state
// changes in a way an embedder cares about.
type TorrentEvent struct {
	Handle    Handle
	Kind      TorrentEventKind
	State     State
	PieceIdx  uint32
	Err       error
	Timestamp time.Time
}

// SessionEventKind distinguishes session-wide events.
type SessionEventKind int

// Session event kinds.
const (
	EventTorrentAdded SessionEventKind = iota
	EventTorrentRemoved
)

// SessionEvent is published on the Session's event bus.
type SessionEvent struct {
	Handle    Handle
	Kind      SessionEventKind
	Timestamp time.Time
}

// ErrMetadataPending is returned by Controller.Metadata while a magnet
// torrent's info dictionary has not yet arrived over BEP 9 (spec §4.9
// metadata()).
var ErrMetadataPending = errors.New("metadata pending: info dictionary not yet downloaded")

// TorrentMetadataFile describes one file within a resolved torrent, in
// torrent-space order.
type TorrentMetadataFile struct {
	Path   []string
	Length int64
}

// TorrentMetadata is the resolved, read-only description of a torrent's
// info dictionary (spec §4.9 metadata()).
type TorrentMetadata struct {
	Name        string
	InfoHash    string
	PieceLength int64
	PieceCount  int
	TotalLength int64
	Files       []TorrentMetadataFile
	Private     bool
}

// metadataState holds the bits needed to resolve a magnet-only torrent's
// info dictionary via BEP 9 before a Layout can be built.
type metadataState struct {
	infoHash     [20]byte
	name         string // from magnet dn, if any
	trackers     []string
	size         int // total metadata size, learned from LTEP metadata_size
	extensionID  uint8
}

// layoutFromInfo converts a parsed metainfo.Info into a piece.Layout, deriving
// the flat file and piece lists the rest of the controller operates on.
func layoutFromInfo(info *metainfo.Info) *piece.Layout {
	files := buildFiles(info)
	pieces := buildPieces(info, files)
	return &piece.Layout{
		PieceLength: info.PieceLength,
		TotalLength: info.TotalLength(),
		Pieces:      pieces,
		Files:       files,
	}
}

func buildFiles(info *metainfo.Info) []*piece.File {
	if !info.MultiFile() {
		return []*piece.File{{
			Index:    0,
			Segments: []string{info.Name},
			Length:   info.Length,
			Offset:   0,
		}}
	}
	files := make([]*piece.File, len(info.Files))
	var offset int64
	for i, fd := range info.Files {
		files[i] = &piece.File{
			Index:    i,
			Segments: append([]string{info.Name}, fd.Path...),
			Length:   fd.Length,
			Offset:   offset,
			MD5Sum:   fd.MD5Sum,
			Attr:     attrFromString(fd.Attr),
		}
		offset += fd.Length
	}
	return files
}

func attrFromString(s string) piece.Attr {
	var a piece.Attr
	for _, c := range s {
		switch c {
		case 'p':
			a.Padding = true
		case 'x':
			a.Executable = true
		case 'h':
			a.Hidden = true
		case 'l':
			a.Symlink = true
		}
	}
	return a
}

func buildPieces(info *metainfo.Info, files []*piece.File) []*piece.Piece {
	n := info.NumPieces()
	pieces := make([]*piece.Piece, n)
	total := info.TotalLength()
	v2 := info.MetaVersion >= 2
	for i := 0; i < n; i++ {
		off := int64(i) * info.PieceLength
		length := info.PieceLength
		if off+length > total {
			length = total - off
		}
		p := piece.New(uint32(i), off, uint32(length), info.PieceHash(i), v2)
		p.SetPriority(piece.Normal)
		pieces[i] = p
	}
	return pieces
}
