// Package optimizer derives copy parameters from the pair of devices a
// transfer reads from and writes to.
package optimizer

import (
	"runtime"

	"github.com/franksops/devcopy/device"
)

// Buffer size tiers, smallest first.
const (
	BufferTier1 = 16 * 1024
	BufferTier2 = 32 * 1024
	BufferTier3 = 64 * 1024
	BufferTier4 = 128 * 1024
)

// CopyStrategy holds the parameters chosen for a device pair.
type CopyStrategy struct {
	BufferSize int
	MaxThreads int
	DirectIO   bool
	ReadAhead  int
	// ThrottleMbps caps throughput; zero means unthrottled.
	ThrottleMbps float64
}

// Throttled reports whether a throughput cap applies.
func (s CopyStrategy) Throttled() bool {
	return s.ThrottleMbps > 0
}

type pair struct {
	src, dst device.Type
}

// Optimizer chooses copy strategies. It holds no state besides the available
// parallelism, so one instance can be shared.
type Optimizer struct {
	parallelism int
}

// New creates an Optimizer sized to the number of CPUs.
func New() *Optimizer {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism creates an Optimizer for a fixed parallelism.
func NewWithParallelism(n int) *Optimizer {
	if n < 1 {
		n = 1
	}
	return &Optimizer{parallelism: n}
}

// DefaultStrategy is used for device pairs with no specific tuning.
func (o *Optimizer) DefaultStrategy() CopyStrategy {
	return CopyStrategy{
		BufferSize: BufferTier3,
		MaxThreads: o.parallelism * 2,
		ReadAhead:  4,
	}
}

// Strategy looks up the tuned strategy for well known pairs and falls back to
// DefaultStrategy.
func (o *Optimizer) Strategy(src, dst device.Info) CopyStrategy {
	if s, ok := o.matrix(src.Type, dst.Type); ok {
		return s
	}
	return o.DefaultStrategy()
}

func (o *Optimizer) matrix(src, dst device.Type) (CopyStrategy, bool) {
	switch (pair{src, dst}) {
	case pair{device.USB3, device.NVMeSSD}:
		// The destination outruns the source; more threads only add contention.
		return CopyStrategy{
			BufferSize: 256 * 1024,
			MaxThreads: 2,
			ReadAhead:  4,
		}, true
	case pair{device.NVMeSSD, device.USB3}:
		return CopyStrategy{
			BufferSize:   128 * 1024,
			MaxThreads:   4,
			ReadAhead:    2,
			ThrottleMbps: 400,
		}, true
	case pair{device.HDD, device.SataSSD}:
		return CopyStrategy{
			BufferSize: 64 * 1024,
			MaxThreads: 4,
			DirectIO:   true,
			ReadAhead:  8,
		}, true
	}
	return CopyStrategy{}, false
}

// Optimize refines base options with the generic formula: the buffer follows
// the slower device's speed and the thread count follows the device classes.
func (o *Optimizer) Optimize(src, dst device.Info, base Options) Options {
	opt := base

	if slowest, ok := slowestSpeed(src, dst); ok {
		opt.BufferSize = bufferForSpeed(slowest)
	}

	switch {
	case src.Type == device.NVMeSSD && dst.Type == device.NVMeSSD:
		opt.MaxThreads = o.parallelism * 4
	case src.Type == device.USB2 || dst.Type == device.USB2:
		opt.MaxThreads = 2
		opt.BufferSize = BufferTier1
	case src.Type == device.HDD || dst.Type == device.HDD:
		opt.MaxThreads = max(2, o.parallelism/2)
	}
	return opt
}

// Plan returns the strategy used by a transfer: the tuned matrix entry when
// one exists, otherwise the default strategy refined by Optimize.
func (o *Optimizer) Plan(src, dst device.Info, base Options) CopyStrategy {
	if s, ok := o.matrix(src.Type, dst.Type); ok {
		return s
	}
	s := o.DefaultStrategy()
	if base.BufferSize > 0 {
		s.BufferSize = base.BufferSize
	}
	if base.MaxThreads > 0 {
		s.MaxThreads = base.MaxThreads
	}

	refined := o.Optimize(src, dst, Options{BufferSize: s.BufferSize, MaxThreads: s.MaxThreads})
	s.BufferSize = refined.BufferSize
	s.MaxThreads = refined.MaxThreads
	return s
}

func slowestSpeed(src, dst device.Info) (float64, bool) {
	s1, ok1 := src.EstimatedSpeed()
	s2, ok2 := dst.EstimatedSpeed()
	if !ok1 || !ok2 {
		return 0, false
	}
	return min(s1, s2), true
}

func bufferForSpeed(mbps float64) int {
	switch {
	case mbps < 50:
		return BufferTier1
	case mbps < 200:
		return BufferTier2
	case mbps < 1000:
		return BufferTier3
	}
	return BufferTier4
}
