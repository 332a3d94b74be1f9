package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/optimizer"
	"github.com/franksops/devcopy/provider"
	"github.com/franksops/devcopy/recovery"
)

// PartSuffix marks files that are still being written.
const PartSuffix = ".devcopy-part"

// parallelMinChunks is the smallest file, in buffers, split across workers.
const parallelMinChunks = 4

var errConflictUnresolved = errors.New("conflict could not be resolved")

// CopierConfig configures a Copier. Source and Destination are required.
type CopierConfig struct {
	Source          provider.Provider
	Destination     provider.Provider
	Optimizer       *optimizer.Optimizer
	Detector        *device.Detector
	Recovery        *recovery.ErrorRecovery
	Policy          func() GlobalPolicy
	ConflictTimeout time.Duration
	Tracker         *JobTracker
	Logger          *slog.Logger
}

// Copier runs transfer jobs: it plans a strategy for the device pair, then
// copies the job's items in tree order.
type Copier struct {
	src             provider.Provider
	dst             provider.Provider
	optimizer       *optimizer.Optimizer
	detector        *device.Detector
	recovery        *recovery.ErrorRecovery
	checksums       *ChecksumPool
	policy          func() GlobalPolicy
	conflictTimeout time.Duration
	tracker         *JobTracker
	logger          *slog.Logger
	now             func() time.Time
}

// NewCopier creates a Copier. Missing collaborators get defaults.
func NewCopier(cfg CopierConfig) *Copier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = optimizer.New()
	}
	if cfg.Detector == nil {
		cfg.Detector = device.NewDetector(nil, cfg.Logger)
	}
	if cfg.Recovery == nil {
		cfg.Recovery = recovery.NewErrorRecovery(recovery.DefaultPolicy, recovery.WithLogger(cfg.Logger))
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultGlobalPolicy
	}
	if cfg.ConflictTimeout <= 0 {
		cfg.ConflictTimeout = DefaultConflictTimeout
	}
	return &Copier{
		src:             cfg.Source,
		dst:             cfg.Destination,
		optimizer:       cfg.Optimizer,
		detector:        cfg.Detector,
		recovery:        cfg.Recovery,
		checksums:       NewChecksumPool(),
		policy:          cfg.Policy,
		conflictTimeout: cfg.ConflictTimeout,
		tracker:         cfg.Tracker,
		logger:          cfg.Logger,
		now:             time.Now,
	}
}

// jobRun holds what one Run derives at start.
type jobRun struct {
	job      *TransferJob
	strategy optimizer.CopyStrategy
	buffers  *BufferPool
	limiter  *rate.Limiter
}

// Run copies every item of job and returns its result. It never returns
// before the job reached a terminal status.
func (c *Copier) Run(ctx context.Context, job *TransferJob) TransferResult {
	job.setStatus(ctx, StatusPreparing)
	c.track(job)

	run := c.prepare(job)
	job.logger.Info("copy strategy planned",
		"buffer", run.strategy.BufferSize,
		"threads", run.strategy.MaxThreads,
		"direct_io", run.strategy.DirectIO,
		"throttle_mbps", run.strategy.ThrottleMbps)

	job.setStatus(ctx, StatusCopying)
	c.track(job)

	err := c.copyRoots(ctx, run)

	status := StatusCompleted
	switch {
	case err != nil:
		job.logger.Info("job aborted", "reason", err)
		status = StatusCancelled
	case len(job.Snapshot().Errors) > 0:
		status = StatusError
	}
	job.setStatus(ctx, status)
	c.track(job)

	return job.result()
}

func (c *Copier) prepare(job *TransferJob) *jobRun {
	var srcPath string
	if root := job.rootAt(0); root != nil {
		srcPath = filepath.Dir(root.SourcePath)
	}
	dstPath := job.Device
	if dstPath == "" {
		dstPath = job.Destination
	}

	strategy := c.optimizer.Plan(c.detector.Detect(srcPath), c.detector.Detect(dstPath), job.Options)
	run := &jobRun{
		job:      job,
		strategy: strategy,
		buffers:  NewBufferPool(strategy.BufferSize),
	}
	if strategy.Throttled() {
		bytesPerSec := strategy.ThrottleMbps * 1e6
		run.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(run.buffers.Size(), int(bytesPerSec)))
	}
	return run
}

func (c *Copier) track(job *TransferJob) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.Update(job); err != nil {
		job.logger.Debug("failed to persist job", "error", err)
	}
}

// copyRoots walks the roots by index so that items appended while the job
// runs are picked up. A non-nil error aborts the job.
func (c *Copier) copyRoots(ctx context.Context, run *jobRun) error {
	for i := 0; ; i++ {
		root := run.job.rootAt(i)
		if root == nil {
			if run.job.seal(i) {
				return nil
			}
			root = run.job.rootAt(i)
		}
		if err := c.copyTree(ctx, run, root); err != nil {
			return err
		}
	}
}

// copyTree visits items depth first in tree order, creating each directory
// before its children.
func (c *Copier) copyTree(ctx context.Context, run *jobRun, root *TransferItem) error {
	stack := []*TransferItem{root}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := c.checkpoint(ctx, run.job); err != nil {
			return err
		}

		ok, err := c.copyItem(ctx, run, it)
		if err != nil {
			return err
		}
		if it.Kind != KindDirectory {
			continue
		}
		if !ok {
			c.skipChildren(run.job, it)
			continue
		}
		for i := len(it.Children) - 1; i >= 0; i-- {
			stack = append(stack, it.Children[i])
		}
	}
	return nil
}

// checkpoint runs between items: it observes cancellation and suspends a
// paused job until it is resumed.
func (c *Copier) checkpoint(ctx context.Context, job *TransferJob) error {
	if job.Cancelled() {
		return recovery.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := job.waitIfPaused(ctx, func() { c.track(job) }); err != nil {
		return err
	}
	if job.Cancelled() {
		return recovery.ErrCancelled
	}
	return nil
}

func (c *Copier) skipChildren(job *TransferJob, dir *TransferItem) {
	for _, child := range dir.Children {
		job.finishItem(child, ItemSkipped, nil)
		if child.Kind == KindDirectory {
			c.skipChildren(job, child)
		}
	}
}

func (c *Copier) fail(ctx context.Context, job *TransferJob, it *TransferItem, err error) {
	job.finishItem(it, ItemError, err)
	job.logger.Warn("item failed", "path", it.SourcePath, "error", err)
	job.emit(ctx, ProgressEvent{Kind: EventItemFailed, Source: it.SourcePath, Err: err.Error()})
}

// copyItem copies one item. It reports whether the item completed; a non-nil
// error aborts the job.
func (c *Copier) copyItem(ctx context.Context, run *jobRun, it *TransferItem) (bool, error) {
	job := run.job
	dst := filepath.Join(job.Destination, it.RelativePath)

	if it.Kind == KindDirectory {
		job.setItemStatus(it, ItemCreatingDir)
		err := c.recovery.Run(ctx, "mkdir", dst, func(int) error {
			return c.dst.MkdirAll(ctx, dst, 0o755)
		})
		if err != nil {
			if recovery.IsCancelled(err) {
				return false, err
			}
			c.fail(ctx, job, it, err)
			return false, nil
		}
		job.finishItem(it, ItemCompleted, nil)
		job.emit(ctx, ProgressEvent{
			Kind:        EventDirectoryCreated,
			Source:      it.SourcePath,
			Destination: dst,
			ItemCount:   len(it.Children),
		})
		return true, nil
	}

	dst, proceed, err := c.resolveDestination(ctx, job, it, dst)
	if err != nil || !proceed {
		return false, err
	}

	job.setItemStatus(it, ItemCopying)
	job.emit(ctx, ProgressEvent{Kind: EventFileStarted, Source: it.SourcePath, Destination: dst, Size: it.Size})
	start := time.Now()

	err = c.recovery.Run(ctx, "copy", it.SourcePath, func(int) error {
		if it.Kind == KindSymlink {
			return c.copySymlink(ctx, it, dst)
		}
		return c.copyFile(ctx, run, it, dst)
	})
	if err != nil {
		if recovery.IsCancelled(err) {
			job.finishItem(it, ItemError, err)
			return false, err
		}
		c.fail(ctx, job, it, err)
		return false, nil
	}

	job.finishItem(it, ItemCompleted, nil)
	job.emit(ctx, ProgressEvent{
		Kind:        EventFileCompleted,
		Source:      it.SourcePath,
		Destination: dst,
		Size:        it.Size,
		Duration:    time.Since(start),
	})
	return true, nil
}

// resolveDestination settles a collision at dst. It returns the path to write
// and whether the item should be copied at all.
func (c *Copier) resolveDestination(ctx context.Context, job *TransferJob, it *TransferItem, dst string) (string, bool, error) {
	exists, err := c.dst.Exists(ctx, dst)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		c.fail(ctx, job, it, recovery.Classify("stat", dst, err))
		return "", false, nil
	}
	if !exists {
		return dst, true, nil
	}

	job.emit(ctx, ProgressEvent{Kind: EventConflictDetected, Source: it.SourcePath, Destination: dst})
	policy := c.policy()
	res := job.ResolveConflict(ctx, it.SourcePath, dst, policy, c.conflictTimeout)
	job.logger.Info("conflict resolved", "destination", dst, "resolution", res)

	resolved := func() {
		job.emit(ctx, ProgressEvent{
			Kind:        EventConflictResolved,
			Source:      it.SourcePath,
			Destination: dst,
			Action:      res.DisplayText(),
		})
	}

	switch res {
	case ResolveOverwrite:
	case ResolveSkip:
		job.finishItem(it, ItemSkipped, nil)
		resolved()
		return "", false, nil
	case ResolveRenameNew:
		renamed, err := UniqueName(ctx, c.dst, dst, policy.RenamePattern, c.now)
		if err != nil {
			c.fail(ctx, job, it, recovery.Classify("rename", dst, err))
			return "", false, nil
		}
		resolved()
		return renamed, true, nil
	case ResolveRenameOld:
		aside, err := UniqueName(ctx, c.dst, dst, policy.RenamePattern, c.now)
		if err == nil {
			err = c.dst.Rename(ctx, dst, aside)
		}
		if err != nil {
			c.fail(ctx, job, it, recovery.Classify("rename", dst, err))
			return "", false, nil
		}
	case ResolveAsk:
		resolved()
		c.fail(ctx, job, it, fmt.Errorf("%s: %w", dst, errConflictUnresolved))
		return "", false, nil
	default:
		resolved()
		err := recovery.New(recovery.KindCancelled, "resolve conflict", dst, errConflictUnresolved)
		job.finishItem(it, ItemError, err)
		return "", false, err
	}
	resolved()
	return dst, true, nil
}

func (c *Copier) copySymlink(ctx context.Context, it *TransferItem, dst string) error {
	target, err := c.src.Readlink(ctx, it.SourcePath)
	if err != nil {
		return err
	}
	if exists, err := c.dst.Exists(ctx, dst); err != nil {
		return err
	} else if exists {
		if err := c.dst.Remove(ctx, dst); err != nil {
			return err
		}
	}
	return c.dst.Symlink(ctx, target, dst)
}

// copyFile writes the item to a part file next to dst and renames it into
// place once complete and verified. A failed attempt leaves no part file and
// no counted bytes behind.
func (c *Copier) copyFile(ctx context.Context, run *jobRun, it *TransferItem, dst string) (err error) {
	job := run.job
	part := dst + PartSuffix

	rc, err := c.src.OpenRead(ctx, it.SourcePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	// it.Size is from the walk; the file may have changed since.
	info, err := c.src.Stat(ctx, it.SourcePath)
	if err != nil {
		return err
	}
	size := info.Size()
	var meta provider.FileInfo
	if job.Options.PreserveAttributes {
		meta = info
	}
	adviseRead(rc, size, run.strategy.DirectIO)

	w, err := c.dst.OpenWrite(ctx, part, meta)
	if err != nil {
		return err
	}

	var copied atomic.Int64
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			w.Close()
		}
		if rmErr := c.dst.Remove(context.WithoutCancel(ctx), part); rmErr != nil {
			job.logger.Debug("failed to remove part file", "path", part, "error", rmErr)
		}
		job.addCopied(-copied.Load())
	}()

	var (
		srcSum   uint64
		haveSum  bool
		chunkSrc io.ReaderAt
	)
	wa, hasWriterAt := w.WriterAt()
	// Chunks cover a fixed range, so a file whose size moved is streamed to EOF.
	if ra, ok := rc.(io.ReaderAt); ok && hasWriterAt && size == it.Size && c.parallel(run, size) {
		chunkSrc = ra
	} else if size != it.Size {
		job.logger.Debug("source size changed since walk", "path", it.SourcePath, "walked", it.Size, "now", size)
	}

	if chunkSrc != nil {
		err = c.copyChunks(ctx, run, chunkSrc, wa, size, &copied)
	} else {
		srcSum, err = c.copyStream(ctx, run, rc, w, &copied)
		haveSum = true
	}
	if err != nil {
		return err
	}

	if job.Options.SyncIO {
		if err = w.Sync(); err != nil {
			return err
		}
	}
	closed = true
	if err = w.Close(); err != nil {
		return err
	}
	adviseDone(rc, size, run.strategy.DirectIO)

	if job.Options.Verify() {
		if err = c.verify(ctx, run, it, part, srcSum, haveSum); err != nil {
			return err
		}
	}
	return c.dst.Rename(ctx, part, dst)
}

func (c *Copier) parallel(run *jobRun, size int64) bool {
	if run.job.Options.Algorithm != optimizer.ParallelChunks || run.strategy.MaxThreads < 2 {
		return false
	}
	return size > int64(parallelMinChunks*run.buffers.Size())
}

func (c *Copier) throttle(ctx context.Context, run *jobRun, n int) error {
	if run.limiter == nil {
		return nil
	}
	return run.limiter.WaitN(ctx, n)
}

// copyStream copies sequentially and returns the source checksum.
func (c *Copier) copyStream(ctx context.Context, run *jobRun, r io.Reader, w io.Writer, copied *atomic.Int64) (uint64, error) {
	job := run.job
	if c.tracker != nil {
		w = c.tracker.NewTrackedWriter(w, job.ID, job.Snapshot().CopiedBytes)
	}
	cr := NewChecksumReader(r)

	buf := run.buffers.Get()
	defer run.buffers.Put(buf)

	for {
		if job.Cancelled() {
			return 0, recovery.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, rerr := cr.Read(*buf)
		if n > 0 {
			if err := c.throttle(ctx, run, n); err != nil {
				return 0, err
			}
			if _, err := w.Write((*buf)[:n]); err != nil {
				return 0, err
			}
			copied.Add(int64(n))
			job.addCopied(int64(n))
		}
		if rerr == io.EOF {
			return cr.Checksum(), nil
		}
		if rerr != nil {
			return 0, rerr
		}
	}
}

// copyChunks splits the file into buffer-sized ranges copied by a worker pool.
func (c *Copier) copyChunks(ctx context.Context, run *jobRun, r io.ReaderAt, w io.WriterAt, size int64, copied *atomic.Int64) error {
	job := run.job
	chunk := int64(run.buffers.Size())

	tasks := make(TaskChannel)
	pool := NewWorkerPool(ctx, tasks, func(ctx context.Context, t ChunkTask) error {
		if job.Cancelled() {
			return recovery.ErrCancelled
		}
		buf := run.buffers.Get()
		defer run.buffers.Put(buf)

		b := (*buf)[:t.Length]
		n, err := r.ReadAt(b, t.Offset)
		if err != nil && !(err == io.EOF && int64(n) == t.Length) {
			return err
		}
		if err := c.throttle(ctx, run, n); err != nil {
			return err
		}
		if _, err := w.WriteAt(b[:n], t.Offset); err != nil {
			return err
		}
		copied.Add(int64(n))
		job.addCopied(int64(n))
		return nil
	})

	chunks := (size + chunk - 1) / chunk
	pool.SetWorkerCount(int(min(int64(run.strategy.MaxThreads), chunks)))

	for off := int64(0); off < size; off += chunk {
		if err := pool.Submit(ChunkTask{Offset: off, Length: min(chunk, size-off)}); err != nil {
			break
		}
	}
	close(tasks)
	return pool.Wait()
}

// verify compares the written part file against the source.
func (c *Copier) verify(ctx context.Context, run *jobRun, it *TransferItem, part string, srcSum uint64, haveSum bool) error {
	job := run.job
	job.setItemStatus(it, ItemVerifying)
	job.setStatus(ctx, StatusVerifying)
	defer func() {
		job.setItemStatus(it, ItemCopying)
		job.setStatus(ctx, StatusCopying)
	}()

	buf := run.buffers.Get()
	defer run.buffers.Put(buf)

	if !haveSum {
		sum, err := c.checksums.Sum(ctx, c.src, it.SourcePath, *buf)
		if err != nil {
			return err
		}
		srcSum = sum
	}
	dstSum, err := c.checksums.Sum(ctx, c.dst, part, *buf)
	if err != nil {
		return err
	}
	if srcSum != dstSum {
		return recovery.New(recovery.KindHashMismatch, "verify", it.SourcePath, recovery.ErrHashMismatch)
	}
	return nil
}
