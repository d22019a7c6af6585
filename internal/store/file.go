package store

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the document as a single JSON file. Writes go to a temp
// file in the same directory and are renamed over the previous document, so a
// crash mid-write leaves the old record intact.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore returns a store backed by dir/name.
func NewFileStore(dir, name string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   filepath.Join(dir, name),
		logger: logger,
	}
}

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no state document yet, starting empty", "path", s.path)
		return Record{}, nil
	}
	if err != nil {
		return Record{}, persistenceError("failed to read state file", err)
	}
	rec, err := Decode(data)
	if err != nil {
		return Record{}, persistenceError("state file is corrupt", err)
	}
	return rec, nil
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return persistenceError("failed to encode state", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return persistenceError("failed to create state directory", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return persistenceError("failed to create temp state file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return persistenceError("failed to write state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return persistenceError("failed to sync state file", err)
	}
	if err := tmp.Close(); err != nil {
		return persistenceError("failed to close state file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return persistenceError("failed to replace state file", err)
	}
	return nil
}

// Close is a no-op for the file driver.
func (s *FileStore) Close() error { return nil }
