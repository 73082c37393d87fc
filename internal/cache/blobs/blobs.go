// Package blobs stores artifact files on disk. Every file is named after the
// cache key that owns it and is never referenced from outside the cache.
package blobs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type Dir struct {
	root string
}

func Open(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blobs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobs: create %q: %w", root, err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Root() string { return d.root }

// PathFor shards files by the first two key characters.
func (d *Dir) PathFor(key string) string {
	shard := "xx"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(d.root, shard, key+".bin")
}

// Write replaces the artifact for key atomically and returns its path.
func (d *Dir) Write(key string, data []byte) (string, error) {
	p := d.PathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blobs: mkdir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("blobs: temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("blobs: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("blobs: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("blobs: rename %s: %w", key, err)
	}
	return p, nil
}

func (d *Dir) Read(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blobs: read %q: %w", path, err)
	}
	return b, nil
}

// Remove deletes one artifact; a file that is already gone is not an error.
func (d *Dir) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobs: remove %q: %w", path, err)
	}
	return nil
}

// Purge deletes every file below the root, keeping the root itself.
func (d *Dir) Purge() error {
	ents, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("blobs: list %q: %w", d.root, err)
	}
	var errs []error
	for _, e := range ents {
		if err := os.RemoveAll(filepath.Join(d.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("blobs: purge %q: %w", d.root, errors.Join(errs...))
	}
	return nil
}
