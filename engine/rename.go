package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/franksops/devcopy/provider"
)

// maxRenameAttempts bounds the counter search before falling back to a timestamp.
const maxRenameAttempts = 1000

// UniqueName returns a path next to path that does not exist, built from
// pattern ("{name}" is the stem, "{counter}" the attempt number) with the
// original extension kept. The lowest free counter up to 1000 wins; past that
// the name gets a "_copy_<unix seconds>" suffix.
func UniqueName(ctx context.Context, p provider.Provider, path, pattern string, now func() time.Time) (string, error) {
	if !strings.Contains(pattern, "{counter}") {
		pattern = DefaultRenamePattern
	}
	if now == nil {
		now = time.Now
	}
	dir := filepath.Dir(path)
	stem, ext := splitName(filepath.Base(path))

	for counter := 1; counter <= maxRenameAttempts; counter++ {
		name := strings.NewReplacer("{name}", stem, "{counter}", strconv.Itoa(counter)).Replace(pattern)
		candidate := filepath.Join(dir, name+ext)
		exists, err := p.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}

	base := fmt.Sprintf("%s_copy_%d", stem, now().Unix())
	candidate := filepath.Join(dir, base+ext)
	for n := 1; ; n++ {
		exists, err := p.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
	}
}

// splitName splits a file name into stem and extension. Dot files have no
// extension.
func splitName(name string) (string, string) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return name, ""
	}
	return stem, ext
}
