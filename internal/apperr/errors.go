// Package apperr defines the error taxonomy shared by the storage, index and
// migration layers.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("closed")
)

// VaultKind distinguishes why a vault could not be opened.
type VaultKind string

const (
	VaultNotFound         VaultKind = "not_a_vault"
	VaultPermissionDenied VaultKind = "permission_denied"
	VaultInvalidFormat    VaultKind = "invalid_format"
	VaultUnexpected       VaultKind = "unexpected"
)

// VaultError reports a vault that cannot be located, opened, or parsed.
type VaultError struct {
	Kind VaultKind
	Path string
	Err  error
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("vault %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *VaultError) Unwrap() error { return e.Err }

// Recoverable is false only for unclassified failures.
func (e *VaultError) Recoverable() bool { return e.Kind != VaultUnexpected }

// FileSystemError wraps a failed disk operation and carries the offending path.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

func (e *FileSystemError) Recoverable() bool { return true }

// SerializationError reports content that cannot be parsed or produced in
// the expected on-disk shape.
type SerializationError struct {
	Path   string
	Format string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Format, e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Recoverable() bool { return true }

// MigrationError summarises a batch that finished with per-item failures.
type MigrationError struct {
	Errors []string
}

func (e *MigrationError) Error() string {
	if len(e.Errors) == 1 {
		return "migration: 1 error: " + e.Errors[0]
	}
	return fmt.Sprintf("migration: %d errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

func (e *MigrationError) Recoverable() bool { return true }

type recoverable interface {
	Recoverable() bool
}

// IsRecoverable reports whether err belongs to the classified taxonomy and
// is marked recoverable. Sentinel errors count as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var r recoverable
	if errors.As(err, &r) {
		return r.Recoverable()
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}

// FS wraps err as a FileSystemError. A nil err returns nil.
func FS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FileSystemError{Op: op, Path: path, Err: err}
}

// ClassifyOpenError maps an error from opening a vault root to a VaultError.
func ClassifyOpenError(path string, err error) error {
	if err == nil {
		return nil
	}
	var ve *VaultError
	if errors.As(err, &ve) {
		return err
	}
	kind := VaultUnexpected
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = VaultNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = VaultPermissionDenied
	}
	var se *SerializationError
	if errors.As(err, &se) {
		kind = VaultInvalidFormat
	}
	return &VaultError{Kind: kind, Path: path, Err: err}
}
