package optimizer

import (
	"fmt"
	"runtime"
	"strings"
)

// Algorithm selects how file contents are moved. The set is closed; each
// value maps to one copy routine in the engine.
type Algorithm int

const (
	// Standard streams the file sequentially.
	Standard Algorithm = iota
	// ParallelChunks splits large files across the strategy's threads.
	ParallelChunks
	// Verified streams sequentially and re-reads both sides to compare checksums.
	Verified
)

var algorithmNames = map[Algorithm]string{
	Standard:       "standard",
	ParallelChunks: "parallel-chunks",
	Verified:       "verified",
}

func (a Algorithm) String() string {
	if n, ok := algorithmNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ParseAlgorithm parses the names produced by String.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, n := range algorithmNames {
		if n == s {
			return a, nil
		}
	}
	return Standard, fmt.Errorf("unknown copy algorithm %q", s)
}

func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(b []byte) error {
	parsed, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Options are the user-level copy settings a strategy refines.
type Options struct {
	Algorithm          Algorithm `json:"algorithm"`
	BufferSize         int       `json:"buffer_size"`
	MaxThreads         int       `json:"max_threads"`
	VerifyAfterCopy    bool      `json:"verify_after_copy"`
	PreserveAttributes bool      `json:"preserve_attributes"`
	SyncIO             bool      `json:"sync_io"`
}

// DefaultOptions mirrors the defaults of a fresh configuration.
func DefaultOptions() Options {
	return Options{
		Algorithm:          ParallelChunks,
		BufferSize:         BufferTier3,
		MaxThreads:         runtime.NumCPU() * 2,
		VerifyAfterCopy:    true,
		PreserveAttributes: true,
	}
}

// Verify reports whether copies should be checksummed after writing.
func (o Options) Verify() bool {
	return o.VerifyAfterCopy || o.Algorithm == Verified
}
