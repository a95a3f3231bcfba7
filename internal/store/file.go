package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/spf13/afero"
)

// FileStoreConfig configures the on-disk record file store.
type FileStoreConfig struct {
	Dir   string
	Names map[records.Kind]string
}

// FileStore keeps record files as JSON documents on an afero filesystem.
type FileStore struct {
	fs    afero.Fs
	dir   string
	names map[records.Kind]string
}

// NewFileStore creates a file store. A nil filesystem uses the OS filesystem.
func NewFileStore(filesystem afero.Fs, cfg FileStoreConfig) *FileStore {
	if filesystem == nil {
		filesystem = afero.NewOsFs()
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "data"
	}
	return &FileStore{
		fs:    filesystem,
		dir:   dir,
		names: cfg.Names,
	}
}

// Path returns the document path of a record file.
func (s *FileStore) Path(kind records.Kind) string {
	return filepath.Join(s.dir, Name(kind, s.names))
}

// Load reads and decodes a record file.
func (s *FileStore) Load(_ context.Context, kind records.Kind) (*records.RecordFile, error) {
	path := s.Path(kind)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	file, err := records.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", path, ErrCorrupt, err)
	}
	return file, nil
}

// Save encodes a record file and replaces the document atomically.
func (s *FileStore) Save(_ context.Context, kind records.Kind, file *records.RecordFile) error {
	data, err := records.Encode(file)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return writeFileAtomic(s.fs, s.Path(kind), data)
}

// Exists reports whether the document of a record file is present.
func (s *FileStore) Exists(_ context.Context, kind records.Kind) (bool, error) {
	exists, err := afero.Exists(s.fs, s.Path(kind))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", s.Path(kind), err)
	}
	return exists, nil
}

// Ping checks that the data directory is reachable.
func (s *FileStore) Ping(_ context.Context) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("data directory %s: %w", s.dir, err)
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and renames it into place,
// so readers see either the previous or the new document.
func writeFileAtomic(filesystem afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := filesystem.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(filesystem, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = filesystem.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := filesystem.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
