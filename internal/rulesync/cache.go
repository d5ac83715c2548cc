package rulesync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RuleCache stores the raw body of the last ruleset that parsed successfully.
type RuleCache struct {
	path string
}

func NewRuleCache(path string) *RuleCache {
	return &RuleCache{path: path}
}

func (c *RuleCache) Path() string { return c.path }

// Load returns the cached body, or nil when no cache exists yet.
func (c *RuleCache) Load() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCachePersistence, c.path, err)
	}
	return data, nil
}

// Store replaces the cache atomically so a crash never leaves a torn file.
func (c *RuleCache) Store(body []byte) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCachePersistence, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCachePersistence, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write: %v", ErrCachePersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync: %v", ErrCachePersistence, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close: %v", ErrCachePersistence, err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %v", ErrCachePersistence, err)
	}
	return nil
}
