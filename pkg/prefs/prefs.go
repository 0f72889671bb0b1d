package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get operations when the key has never been set.
var ErrNotFound = errors.New("prefs: key not found")

// Store is the persistent key-value facade backing the payload state. Each
// Set is durable before it returns; each key is written atomically with
// respect to a crash, but no cross-key transaction is provided.
type Store interface {
	GetInt64(key string) (int64, error)
	SetInt64(key string, value int64) error
	GetString(key string) (string, error)
	SetString(key string, value string) error
	Exists(key string) (bool, error)
	Delete(key string) error
}

// FileStore implements Store with one file per key under a root directory.
// Values are cached in memory after first load so reads never block on disk
// once warm, and a store read failure cannot stall the state machine.
type FileStore struct {
	rootDir string
	cache   cmap.ConcurrentMap[string, string]
	logger  zerolog.Logger
}

// NewFileStore initializes a FileStore rooted at rootDir, creating the
// directory if needed.
func NewFileStore(rootDir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create prefs directory %s: %w", rootDir, err)
	}
	return &FileStore{
		rootDir: rootDir,
		cache:   cmap.New[string](),
		logger:  logger,
	}, nil
}

// keyPath validates the key and maps it to its backing file.
func (fs *FileStore) keyPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("prefs: invalid key %q", key)
	}
	return filepath.Join(fs.rootDir, key), nil
}

// GetString returns the persisted value for key, consulting the in-memory
// cache first.
func (fs *FileStore) GetString(key string) (string, error) {
	if value, ok := fs.cache.Get(key); ok {
		return value, nil
	}

	path, err := fs.keyPath(key)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		fs.logger.Error().Err(err).Str("key", key).Msg("Failed to read pref")
		return "", err
	}

	value := string(data)
	fs.cache.Set(key, value)
	return value, nil
}

// SetString persists the value for key and updates the cache. The write goes
// through a rename so a crash mid-write leaves the previous value intact.
func (fs *FileStore) SetString(key string, value string) error {
	path, err := fs.keyPath(key)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0600); err != nil {
		fs.logger.Error().Err(err).Str("key", key).Msg("Failed to write pref")
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		fs.logger.Error().Err(err).Str("key", key).Msg("Failed to commit pref")
		return err
	}

	fs.cache.Set(key, value)
	return nil
}

// GetInt64 returns the persisted integer value for key.
func (fs *FileStore) GetInt64(key string) (int64, error) {
	value, err := fs.GetString(key)
	if err != nil {
		return 0, err
	}

	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("prefs: malformed integer for key %q: %w", key, err)
	}
	return parsed, nil
}

// SetInt64 persists the integer value for key.
func (fs *FileStore) SetInt64(key string, value int64) error {
	return fs.SetString(key, strconv.FormatInt(value, 10))
}

// Exists reports whether the key has a persisted value.
func (fs *FileStore) Exists(key string) (bool, error) {
	if fs.cache.Has(key) {
		return true, nil
	}

	path, err := fs.keyPath(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the key from the store and the cache. Deleting a missing
// key is not an error.
func (fs *FileStore) Delete(key string) error {
	path, err := fs.keyPath(key)
	if err != nil {
		return err
	}

	fs.cache.Remove(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fs.logger.Error().Err(err).Str("key", key).Msg("Failed to delete pref")
		return err
	}
	return nil
}
