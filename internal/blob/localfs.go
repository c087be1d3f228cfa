// Package blob stores client output files under a local root directory.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type LocalFS struct {
	Root string
}

// resolve maps relPath under Root, refusing paths that escape it.
func (l LocalFS) resolve(relPath string) (string, string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q escapes the output directory", relPath)
	}
	return clean, filepath.Join(l.Root, clean), nil
}

// Put writes r to relPath, creating parent directories, and returns the
// cleaned relative path.
func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean, abs, err := l.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return clean, nil
}

// Exists reports whether relPath is already present under Root.
func (l LocalFS) Exists(relPath string) bool {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Path returns the absolute location of relPath.
func (l LocalFS) Path(relPath string) string {
	return filepath.Join(l.Root, filepath.Clean(relPath))
}
