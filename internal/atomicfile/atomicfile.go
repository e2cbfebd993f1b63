// ABOUTME: Crash-safe file writes: temp file, fsync, rename into place.
// ABOUTME: Also provides first-writer-wins exclusive creation via hard links.

package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrWrite marks a failed durable write. The destination is left untouched.
var ErrWrite = errors.New("atomic write failed")

// TempSuffix is appended to the destination path for the staging file.
const TempSuffix = ".tmp"

// WriteFile atomically replaces path with data. The content is staged in
// path+".tmp", synced, and renamed over path, so readers observe either the
// previous file or the new one and never a missing or partial file.
//
// The staging name is fixed, so concurrent writers to the same path must be
// serialized by the caller.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return writeVia(path, path+TempSuffix, data, perm, os.Rename)
}

// CreateExclusive writes data to path only if path does not already exist.
// The file appears fully written or not at all. Returns false (and no error)
// when another writer created path first.
func CreateExclusive(path string, data []byte, perm os.FileMode) (bool, error) {
	// Unique staging name: several processes may race on the same path.
	staging := fmt.Sprintf("%s.%s%s", path, uuid.NewString()[:8], TempSuffix)
	created := true
	err := writeVia(path, staging, data, perm, func(oldpath, newpath string) error {
		linkErr := os.Link(oldpath, newpath)
		_ = os.Remove(oldpath)
		if errors.Is(linkErr, os.ErrExist) {
			created = false
			return nil
		}
		return linkErr
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func writeVia(path, staging string, data []byte, perm os.FileMode, commit func(oldpath, newpath string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %w", ErrWrite, path, err)
	}

	file, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrWrite, staging, err)
	}

	// Write, sync, close, commit. Any failure removes the staging file.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(staging)
		return fmt.Errorf("%w: writing %s: %w", ErrWrite, staging, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(staging)
		return fmt.Errorf("%w: syncing %s: %w", ErrWrite, staging, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("%w: closing %s: %w", ErrWrite, staging, err)
	}
	if err := commit(staging, path); err != nil {
		os.Remove(staging)
		return fmt.Errorf("%w: committing %s: %w", ErrWrite, path, err)
	}
	return nil
}
