package storage

import (
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists each key as one JSON file under a directory. Writes go
// through a temp file followed by rename so a crash mid-write never leaves a
// truncated value behind.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

func NewFileStore(logger *slog.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "file_store")),
	}, nil
}

// compile-time check to ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// keys are opaque strings that may contain separators; encode them so every
// key maps to a flat, portable file name.
func (s *FileStore) path(key string) string {
	name := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(key))
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) MultiRemove(keys ...string) error {
	for _, k := range keys {
		if err := s.Remove(k); err != nil {
			s.logger.Warn("Failed to remove key", slog.String("key", k), slog.Any("error", err))
			return err
		}
	}
	return nil
}
