package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// fileStream is the default RandomAccess implementation: one os.File per
// logical stream, all living under a feed's own directory.
type fileStream struct {
	mu   sync.Mutex
	file *os.File
}

// FileProvider returns a Provider that opens each logical stream as
// "<dir>/<name>", creating dir if necessary. This is the default backend
// named in the file layout: data, tree, bitfield, signatures, key and
// secret_key each become their own file.
func FileProvider(dir string) Provider {
	return func(name string) (RandomAccess, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		return &fileStream{file: f}, nil
	}
}

func (s *fileStream) Read(offset int64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return nil, ErrNotFound
			}
			// A short read at end-of-file means the record was never fully
			// written; treat it the same as absent rather than returning a
			// truncated record.
			return nil, ErrNotFound
		}
		return nil, err
	}
	return buf, nil
}

func (s *fileStream) Write(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.WriteAt(data, offset)
	return err
}

func (s *fileStream) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

func (s *fileStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
