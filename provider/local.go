package provider

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

type localFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.mode.IsDir() }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }
func (l *localFileInfo) Mode() os.FileMode  { return l.mode }

// LocalProvider implements Provider over a billy filesystem: the host
// filesystem in production, an in-memory one in tests.
type LocalProvider struct {
	fs       billy.Filesystem
	change   billy.Change
	basePath string
	mapper   *MetadataMapper

	// absolute resolves relative paths against the working directory.
	absolute bool
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	root := basePath
	if root == "" {
		root = string(filepath.Separator)
	}
	return &LocalProvider{
		fs:       osfs.New(root, osfs.WithBoundOS()),
		change:   osChange{root: root},
		basePath: basePath,
		absolute: basePath == "",
	}
}

// NewMemoryProvider creates a LocalProvider over an empty in-memory filesystem.
func NewMemoryProvider() *LocalProvider {
	return &LocalProvider{fs: memfs.New()}
}

// NewBillyProvider wraps an existing billy filesystem. Attributes are only
// applied when bfs implements billy.Change.
func NewBillyProvider(bfs billy.Filesystem) *LocalProvider {
	change, _ := bfs.(billy.Change)
	return &LocalProvider{fs: bfs, change: change}
}

// WithMetadataMapper enables attribute preservation through mapper.
func (p *LocalProvider) WithMetadataMapper(mapper *MetadataMapper) *LocalProvider {
	p.mapper = mapper
	return p
}

// Filesystem exposes the underlying billy filesystem.
func (p *LocalProvider) Filesystem() billy.Filesystem {
	return p.fs
}

func (p *LocalProvider) resolve(path string) string {
	if !p.absolute || filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	info, err := p.fs.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (p *LocalProvider) Lstat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	info, err := p.fs.Lstat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	entries, err := p.fs.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, WrapOSFileInfo(entry))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return p.fs.Open(p.resolve(path))
}

func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (Writer, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	fullPath := p.resolve(path)

	if err := p.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}

	mode := os.FileMode(0o644)
	if metadata != nil && metadata.Mode().Perm() != 0 {
		mode = metadata.Mode().Perm()
	}

	file, err := p.fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}

	return &localWriteCloser{
		File:     file,
		change:   p.change,
		fullPath: fullPath,
		metadata: metadata,
		mapper:   p.mapper,
	}, nil
}

func (p *LocalProvider) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	_, err := p.fs.Lstat(p.resolve(path))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (p *LocalProvider) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return p.fs.MkdirAll(p.resolve(path), perm)
}

func (p *LocalProvider) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return p.fs.Rename(p.resolve(oldpath), p.resolve(newpath))
}

func (p *LocalProvider) Remove(ctx context.Context, path string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return p.fs.Remove(p.resolve(path))
}

func (p *LocalProvider) Readlink(ctx context.Context, path string) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}
	return p.fs.Readlink(p.resolve(path))
}

func (p *LocalProvider) Symlink(ctx context.Context, target, link string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return p.fs.Symlink(target, p.resolve(link))
}

// localWriteCloser wraps a billy.File and applies metadata (such as timestamps) upon close.
// This is necessary because writing to the file updates its mtime.
type localWriteCloser struct {
	billy.File
	change   billy.Change
	fullPath string
	metadata FileInfo
	mapper   *MetadataMapper
}

func (l *localWriteCloser) WriterAt() (io.WriterAt, bool) {
	if wa, ok := l.File.(io.WriterAt); ok {
		return wa, true
	}
	return &seekWriter{f: l.File}, true
}

// seekWriter emulates WriteAt with Seek and Write for backends whose files do
// not support positional writes. Writes are serialised.
type seekWriter struct {
	mu sync.Mutex
	f  billy.File
}

func (s *seekWriter) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return s.f.Write(p)
}

func (l *localWriteCloser) Sync() error {
	if s, ok := l.File.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func (l *localWriteCloser) Close() error {
	if err := l.File.Close(); err != nil {
		return err
	}

	if l.change != nil && l.mapper != nil && l.metadata != nil {
		// Ownership may legitimately fail for unprivileged users.
		_ = ApplyMetadata(l.change, l.fullPath, l.metadata, l.mapper)
	}
	return nil
}
