package provider

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

// osChange implements billy.Change for host paths under root. osfs does not
// provide attribute changes itself.
type osChange struct {
	root string
}

var _ billy.Change = osChange{}

func (c osChange) path(name string) string {
	root := filepath.Clean(c.root)
	if root == string(filepath.Separator) || name == root || strings.HasPrefix(name, root+string(filepath.Separator)) {
		return name
	}
	return filepath.Join(c.root, name)
}

func (c osChange) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(c.path(name), mode)
}

func (c osChange) Lchown(name string, uid, gid int) error {
	return os.Lchown(c.path(name), uid, gid)
}

func (c osChange) Chown(name string, uid, gid int) error {
	return os.Chown(c.path(name), uid, gid)
}

func (c osChange) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(c.path(name), atime, mtime)
}
