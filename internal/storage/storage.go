package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// ErrInvalidKey is returned for keys that would escape the storage root.
var ErrInvalidKey = errors.New("storage key contains path separators")

// Storage persists JSON values by key. Load reports found=false when no
// value exists for the key.
type Storage interface {
	Save(key string, value interface{}) error
	Load(key string, into interface{}) (found bool, err error)
}

// FileStorage keeps one JSON file per key under a root directory.
type FileStorage struct {
	root   string
	logger logging.Logger
}

// NewFileStorage creates the root directory if needed
func NewFileStorage(root string, logger logging.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStorage{root: root, logger: logger}, nil
}

// Root returns the storage root directory
func (s *FileStorage) Root() string { return s.root }

// Save writes value as JSON to <root>/<key>.json, replacing atomically via a
// temp file and rename so readers never observe partial writes.
func (s *FileStorage) Save(key string, value interface{}) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %q: %w", key, err)
	}

	if s.logger != nil {
		s.logger.WithFields(logging.Fields{"key": key, "bytes": len(data)}).Debug("Saved storage key")
	}
	return nil
}

// Load reads <root>/<key>.json into the given value
func (s *FileStorage) Load(key string, into interface{}) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %q: %w", key, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *FileStorage) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key != filepath.Base(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, key+".json"), nil
}
