package device

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Detector resolves device information for destination paths. Device types
// come from configured overrides; without one, only RAM-backed filesystems are
// recognised and everything else is Unknown.
type Detector struct {
	mu        sync.Mutex
	overrides map[string]Type
	known     map[string]Info
	logger    *slog.Logger
}

// NewDetector creates a Detector with path → type overrides.
func NewDetector(overrides map[string]Type, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	o := make(map[string]Type, len(overrides))
	for p, t := range overrides {
		o[filepath.Clean(p)] = t
	}
	return &Detector{
		overrides: o,
		known:     make(map[string]Info),
		logger:    logger,
	}
}

// SetType records a device type for a path, replacing cached detection.
func (d *Detector) SetType(path string, t Type) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path = filepath.Clean(path)
	d.overrides[path] = t
	delete(d.known, path)
}

// Detect returns Info for path. Space figures come from statfs when the path
// exists; failures leave them zero.
func (d *Detector) Detect(path string) Info {
	path = filepath.Clean(path)

	d.mu.Lock()
	if info, ok := d.known[path]; ok {
		d.mu.Unlock()
		return info
	}
	t, hasOverride := d.lookupOverride(path)
	d.mu.Unlock()

	info := NewInfo(path, t)
	info.BlockSize = 4096

	ramBacked, err := statDevice(path, &info)
	if err != nil {
		d.logger.Debug("statfs failed", "path", path, "error", err)
	} else if ramBacked && !hasOverride {
		info.Type = RAMDisk
	}
	info.Removable = isRemovableMount(path)

	d.mu.Lock()
	d.known[path] = info
	d.mu.Unlock()
	return info
}

// Forget drops cached information for path, e.g. after removal.
func (d *Detector) Forget(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.known, filepath.Clean(path))
}

// lookupOverride finds the longest configured prefix of path.
func (d *Detector) lookupOverride(path string) (Type, bool) {
	best := ""
	var bestType Type
	for p, t := range d.overrides {
		if (path == p || strings.HasPrefix(path, p+string(filepath.Separator))) && len(p) > len(best) {
			best, bestType = p, t
		}
	}
	return bestType, best != ""
}

func isRemovableMount(path string) bool {
	for _, root := range []string{"/media/", "/run/media/"} {
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}
