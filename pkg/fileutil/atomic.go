// Package fileutil provides file operation utilities.
//
// This package contains common file operations used across ocidist,
// including atomic file writes that prevent partial writes and data
// corruption when two goroutines race to materialize the same blob or
// layout file.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AtomicWriteFile writes data to a file atomically.
//
// It first writes to a temporary file in the same directory, then renames
// it to the target path. This ensures that the file is either fully written
// or not written at all, preventing partial writes.
//
// The temporary file name is unique per call so concurrent writers racing
// on the same destination never clobber each other's temp file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpPath := tempName(path)

	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temporary file: %w", err)
	}

	return nil
}

// AtomicWriteFromReader streams r to path atomically, the same way
// AtomicWriteFile does for an in-memory buffer, without buffering the
// body whole in memory. The layout package writes its blobs through its
// own temp-file-and-rename routine and does not call it.
//
// It returns the number of bytes written. On any error the temp file is
// removed and path is left untouched.
func AtomicWriteFromReader(path string, r io.Reader, perm os.FileMode) (int64, error) {
	tmpPath := tempName(path)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return 0, fmt.Errorf("create temporary file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if copyErr != nil {
			return n, fmt.Errorf("write temporary file: %w", copyErr)
		}
		return n, fmt.Errorf("close temporary file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("rename temporary file: %w", err)
	}

	return n, nil
}

func tempName(path string) string {
	return path + "." + uuid.NewString() + ".tmp"
}

// EnsureDir ensures that a directory exists, creating it if necessary.
// It creates all parent directories as needed with the specified permissions.
func EnsureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir ensures that the parent directory of the given path exists.
func EnsureParentDir(path string, perm os.FileMode) error {
	return EnsureDir(filepath.Dir(path), perm)
}
