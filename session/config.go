package session

import "time"

// Config holds every tunable of the engine (spec §4.9/§4.10), generalized
// from the teacher's flat Config struct into the fuller knob set the
// expanded spec calls for while keeping its "one struct, sane zero-value
// defaults via DefaultConfig" shape.
type Config struct {
	// DataDir is the base directory new torrents are downloaded into,
	// joined with the torrent's name (spec §6 on-disk layout).
	DataDir string
	// Database is the boltdb file backing per-torrent resume state and the
	// session-wide peer-hint cache (spec §4.10).
	Database string

	PortBegin uint16
	PortEnd   uint16

	DHTEnabled bool
	DHTAddress string
	DHTPort    uint16

	UTPEnabled bool

	MaxOpenFiles int

	UnchokedPeers           int
	OptimisticUnchokedPeers int
	UnchokeInterval         time.Duration
	OptimisticUnchokeInterval time.Duration

	MaxPeerAddresses int
	MaxPeersPerTorrent int
	ConnectNewPeersInterval time.Duration

	TrackerHTTPTimeout   time.Duration
	TrackerHTTPUserAgent string

	PeerHintCacheSize int

	StreamChunkSize  int
	StreamStallTimeout time.Duration
}

// DefaultConfig mirrors the teacher's DefaultConfig shape: every field given
// a sane operating value so a caller can start from this and override only
// what they need.
var DefaultConfig = Config{
	DataDir:    "~/torrentcore/data",
	Database:   "~/torrentcore/session.db",
	PortBegin:  50000,
	PortEnd:    60000,
	DHTEnabled: true,
	DHTAddress: "0.0.0.0",
	DHTPort:    0,
	UTPEnabled: true,

	MaxOpenFiles: 1024,

	UnchokedPeers:             4,
	OptimisticUnchokedPeers:   1,
	UnchokeInterval:           10 * time.Second,
	OptimisticUnchokeInterval: 30 * time.Second,

	MaxPeerAddresses:        2000,
	MaxPeersPerTorrent:      80,
	ConnectNewPeersInterval: 5 * time.Second,

	TrackerHTTPTimeout:   30 * time.Second,
	TrackerHTTPUserAgent: "torrentcore/1.0",

	PeerHintCacheSize: 10,

	StreamChunkSize:    256 * 1024,
	StreamStallTimeout: 60 * time.Second,
}
