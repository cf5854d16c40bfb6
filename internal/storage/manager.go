package storage

import "fmt"

// Manager indexes a set of opened Files by file index and exposes the
// read/write/flush operations spec §4.2 describes at file-index granularity.
type Manager struct {
	files []File
}

// NewManager wraps an already-opened file set.
func NewManager(files []File) *Manager {
	return &Manager{files: files}
}

// Write writes bytes at io-offset within file fileIndex.
func (m *Manager) Write(fileIndex int, ioOffset int64, b []byte) error {
	f, err := m.file(fileIndex)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(b, ioOffset)
	return err
}

// Read reads length bytes at io-offset within file fileIndex.
func (m *Manager) Read(fileIndex int, ioOffset int64, length int) ([]byte, error) {
	f, err := m.file(fileIndex)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	_, err = f.ReadAt(buf, ioOffset)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Flusher is implemented by Storage backends that batch fsyncs.
type Flusher interface {
	Flush() error
}

func (m *Manager) file(i int) (File, error) {
	if i < 0 || i >= len(m.files) {
		return nil, fmt.Errorf("storage: file index %d out of range", i)
	}
	return m.files[i], nil
}

// Close closes every underlying file.
func (m *Manager) Close() error {
	var firstErr error
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
