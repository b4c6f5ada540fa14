package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/starford/kolnoter/internal/apperr"
)

// FS performs file operations confined to a vault root. Paths are relative
// to the root and use forward slashes.
type FS struct {
	root string // absolute path to vault directory
}

// NewFS creates an FS rooted at the given directory, which must exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.ClassifyOpenError(root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, apperr.ClassifyOpenError(abs, err)
	}
	if !info.IsDir() {
		return nil, &apperr.VaultError{Kind: apperr.VaultNotFound, Path: abs, Err: errors.New("not a directory")}
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute vault root.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the vault root and rejects
// any result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", apperr.FS("resolve", rel, errors.New("absolute paths not allowed"))
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", apperr.FS("resolve", rel, errors.New("path escapes vault root"))
	}
	return abs, nil
}

// Abs returns the absolute form of a vault-relative path.
func (f *FS) Abs(rel string) (string, error) {
	return f.safePath(rel)
}

// Rel converts an absolute path under the root to a slash-separated
// vault-relative path.
func (f *FS) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", fmt.Errorf("storage: rel %s: %w", abs, err)
	}
	return filepath.ToSlash(rel), nil
}

// Read returns the raw bytes of a vault file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.FS("read", path, fmt.Errorf("%w: %w", apperr.ErrNotFound, err))
		}
		return nil, apperr.FS("read", path, err)
	}
	return data, nil
}

// Write atomically replaces path with content, creating parent directories.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return apperr.FS("mkdir", path, err)
	}
	if err := atomic.WriteFile(abs, bytes.NewReader(content)); err != nil {
		return apperr.FS("write", path, err)
	}
	return nil
}

// Delete removes a file. Missing files are not an error.
func (f *FS) Delete(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.FS("delete", path, err)
	}
	return nil
}

// RemoveAll removes a directory tree.
func (f *FS) RemoveAll(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return apperr.FS("delete", path, errors.New("refusing to remove vault root"))
	}
	if err := os.RemoveAll(abs); err != nil {
		return apperr.FS("delete", path, err)
	}
	return nil
}

// Move renames a file or directory within the vault.
func (f *FS) Move(oldPath, newPath string) error {
	absOld, err := f.safePath(oldPath)
	if err != nil {
		return err
	}
	absNew, err := f.safePath(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0o755); err != nil {
		return apperr.FS("mkdir", newPath, err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return apperr.FS("rename", oldPath, err)
	}
	return nil
}

// Mkdir creates a directory and its parents.
func (f *FS) Mkdir(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return apperr.FS("mkdir", path, err)
	}
	return nil
}

// Exists reports whether path exists.
func (f *FS) Exists(path string) bool {
	abs, err := f.safePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// ReadDir lists the entries of a vault directory. A missing directory
// yields no entries.
func (f *FS) ReadDir(path string) ([]fs.DirEntry, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.FS("readdir", path, err)
	}
	return entries, nil
}
