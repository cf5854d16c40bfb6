// Package allocator runs the sparse preallocation workers of spec §4.2:
// opening and sizing every on-disk file for a torrent before any piece data
// can be written, off the torrent control loop so a slow filesystem never
// blocks peer I/O.
package allocator

import (
	"github.com/yoep/torrentcore/internal/storage"
)

// Progress reports incremental preallocation progress (files opened so far),
// mirroring the teacher's verifier/allocator progress-channel shape.
type Progress struct {
	FilesOpened int
}

// Allocator opens and preallocates a torrent's files, reporting progress and
// a terminal result on caller-supplied channels.
type Allocator struct {
	Files []storage.File
	Error error

	backend   storage.Storage
	basePath  string
	infos     []storage.FileInfo
	progressC chan<- Progress
}

// New returns an allocator ready to Run in its own goroutine.
func New(backend storage.Storage, basePath string, infos []storage.FileInfo, progressC chan<- Progress) *Allocator {
	return &Allocator{backend: backend, basePath: basePath, infos: infos, progressC: progressC}
}

// Run preallocates every file via the backend. The filestorage backend opens
// all files in one Open call, so progress here is coarse (a single report of
// N once Open returns, dropped if progressC is full) rather than per-file;
// backends that support incremental reporting may be added
// without changing this package's public shape.
func (a *Allocator) Run(resultC chan<- *Allocator) {
	files, err := a.backend.Open(a.basePath, a.infos)
	if err != nil {
		a.Error = err
		resultC <- a
		return
	}
	a.Files = files
	if a.progressC != nil {
		select {
		case a.progressC <- Progress{FilesOpened: len(files)}:
		default:
		}
	}
	resultC <- a
}
