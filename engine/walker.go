package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"

	"github.com/franksops/devcopy/provider"
)

// Entry is one submitted source path.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
	// ItemCount is the number of items the submitter expects below Path. It is
	// informational; the walker counts what it finds.
	ItemCount int
}

// Walker expands submitted entries into item trees. It walks iteratively to
// avoid deep recursion on very deep directory structures.
type Walker struct {
	SourceProvider provider.Provider
	ignore         []glob.Glob
}

// NewWalker creates a walker. Entries whose base name or path relative to the
// submitted root matches one of the ignore patterns are left out.
func NewWalker(src provider.Provider, ignore []string) (*Walker, error) {
	w := &Walker{SourceProvider: src}
	for _, pattern := range ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
		w.ignore = append(w.ignore, g)
	}
	return w, nil
}

func (w *Walker) ignored(name, rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range w.ignore {
		if g.Match(name) || g.Match(rel) {
			return true
		}
	}
	return false
}

// Expand builds one root item per entry. Directory children are listed in
// name order.
func (w *Walker) Expand(ctx context.Context, entries []Entry) ([]*TransferItem, error) {
	roots := make([]*TransferItem, 0, len(entries))
	for _, e := range entries {
		root, err := w.expandOne(ctx, e)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, nil
}

func (w *Walker) expandOne(ctx context.Context, e Entry) (*TransferItem, error) {
	stat, err := w.SourceProvider.Lstat(ctx, e.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", e.Path, err)
	}

	root := &TransferItem{
		SourcePath:   e.Path,
		RelativePath: filepath.Base(filepath.Clean(e.Path)),
		Kind:         kindOf(stat),
		Size:         stat.Size(),
	}
	if root.Kind != KindDirectory {
		return root, nil
	}
	root.Size = 0

	stack := []*TransferItem{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := w.SourceProvider.List(ctx, dir.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dir.SourcePath, err)
		}

		for _, child := range children {
			rel := filepath.Join(dir.RelativePath, child.Name())
			if w.ignored(child.Name(), rel) {
				continue
			}
			item := &TransferItem{
				SourcePath:   filepath.Join(dir.SourcePath, child.Name()),
				RelativePath: rel,
				Kind:         kindOf(child),
				Size:         child.Size(),
			}
			if item.Kind == KindDirectory {
				item.Size = 0
				stack = append(stack, item)
			}
			dir.Children = append(dir.Children, item)
		}
	}
	return root, nil
}

func kindOf(info provider.FileInfo) ItemKind {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return KindSymlink
	case info.IsDir():
		return KindDirectory
	}
	return KindFile
}
