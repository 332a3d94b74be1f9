package provider

import (
	"context"
	"io"
	"os"
	"time"
)

// FileInfo represents the standard metadata for a file, directory or symlink
// across storage backends.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
	Mode() os.FileMode
}

// Writer is an open destination file.
type Writer interface {
	io.WriteCloser

	// WriterAt returns a positional writer when the backend supports one.
	WriterAt() (io.WriterAt, bool)

	// Sync flushes written data to stable storage.
	Sync() error
}

// Provider represents a storage backend abstraction.
type Provider interface {
	// Stat returns the FileInfo for the given path, following symlinks.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Lstat returns the FileInfo for the given path without following symlinks.
	Lstat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory sorted by name.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite creates or truncates a file for writing, applying metadata on
	// Close if supported.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (Writer, error)

	// Exists reports whether anything exists at path, without following symlinks.
	Exists(ctx context.Context, path string) (bool, error)

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error

	// Rename moves oldpath to newpath, replacing newpath if it is a file.
	Rename(ctx context.Context, oldpath, newpath string) error

	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error

	// Readlink returns the target of a symlink.
	Readlink(ctx context.Context, path string) (string, error)

	// Symlink creates link pointing at target.
	Symlink(ctx context.Context, target, link string) error
}
