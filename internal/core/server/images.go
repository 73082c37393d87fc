package server

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

var errOutsideRoot = errors.New("image path is outside the image root")

// imageRoot confines client supplied image paths to one directory tree.
type imageRoot struct {
	dir string
}

func newImageRoot(dir string) (imageRoot, error) {
	if strings.TrimSpace(dir) == "" {
		return imageRoot{}, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return imageRoot{}, fmt.Errorf("image root %q: %w", dir, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return imageRoot{dir: abs}, nil
}

func (r imageRoot) enabled() bool { return r.dir != "" }

// resolve maps p, relative to the root or absolute, to a cleaned path inside
// the root. Symlinks are followed before the containment check; a path that
// does not exist yet is checked lexically and fails later as not found.
func (r imageRoot) resolve(p string) (string, error) {
	if !r.enabled() {
		return "", errOutsideRoot
	}
	full := filepath.Clean(p)
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.dir, full)
	}
	if real, err := filepath.EvalSymlinks(full); err == nil {
		full = real
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	rel, err := filepath.Rel(r.dir, full)
	if err != nil {
		return "", errOutsideRoot
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return full, nil
}
