package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franksops/devcopy/optimizer"
)

// Priority orders jobs within a device queue. Higher values run first.
// The zero value is PriorityNormal.
type Priority int

const (
	PriorityBackground Priority = iota - 1
	PriorityNormal
	PriorityInteractive
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityBackground:  "background",
	PriorityNormal:      "normal",
	PriorityInteractive: "interactive",
	PriorityCritical:    "critical",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority parses the names produced by String.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ItemKind is the type of a source tree node.
type ItemKind int

const (
	KindFile ItemKind = iota
	KindDirectory
	KindSymlink
)

func (k ItemKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	}
	return "file"
}

// ItemStatus tracks one item through the copy loop.
type ItemStatus int

const (
	ItemPending ItemStatus = iota
	ItemCreatingDir
	ItemCopying
	ItemVerifying
	ItemCompleted
	ItemSkipped
	ItemError
)

func (s ItemStatus) String() string {
	switch s {
	case ItemCreatingDir:
		return "creating-directory"
	case ItemCopying:
		return "copying"
	case ItemVerifying:
		return "verifying"
	case ItemCompleted:
		return "completed"
	case ItemSkipped:
		return "skipped"
	case ItemError:
		return "error"
	}
	return "pending"
}

// Done reports whether the item will not be touched again.
func (s ItemStatus) Done() bool {
	return s == ItemCompleted || s == ItemSkipped || s == ItemError
}

// TransferItem is a node of the source tree. Items belong to exactly one job.
type TransferItem struct {
	SourcePath   string
	RelativePath string
	Kind         ItemKind
	Size         int64
	Children     []*TransferItem

	status ItemStatus
	err    string
}

// Status returns the item's status. While the job runs, use
// TransferJob.ItemStatus instead.
func (it *TransferItem) Status() ItemStatus { return it.status }

// Err returns the recorded failure, if any.
func (it *TransferItem) Err() string { return it.err }

// ItemStatus returns the status and failure of an item of this job.
func (j *TransferJob) ItemStatus(it *TransferItem) (ItemStatus, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return it.status, it.err
}

// count returns the number of items in the subtree, including it, and their bytes.
func (it *TransferItem) count() (int, int64) {
	n, size := 1, it.Size
	if it.Kind == KindDirectory {
		size = 0
	}
	for _, c := range it.Children {
		cn, cs := c.count()
		n += cn
		size += cs
	}
	return n, size
}

// Status is the lifecycle state of a job.
type Status int

const (
	StatusQueued Status = iota
	StatusPreparing
	StatusCopying
	StatusVerifying
	StatusPaused
	StatusCompleted
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusCopying:
		return "copying"
	case StatusVerifying:
		return "verifying"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	}
	return "queued"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// TransferJob is one transfer of an item tree into a destination directory.
// A job is owned by the device queue it was submitted to; conflict state is
// only mutated by that job's copy loop.
type TransferJob struct {
	ID          uint64
	Name        string
	Device      string
	Destination string
	Priority    Priority
	CreatedAt   time.Time
	Options     optimizer.Options

	progress    chan<- ProgressEvent
	decisions   chan<- ConflictRequest
	sendTimeout time.Duration
	logger      *slog.Logger

	// cancelAll is the manager's shared token; cancelled is per job.
	cancelAll  *atomic.Bool
	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu             sync.Mutex
	roots          []*TransferItem
	status         Status
	totalItems     int
	completedItems int
	totalBytes     int64
	copiedBytes    int64
	filesCopied    int
	dirsCreated    int
	errors         []string
	conflicts      RuntimeConflictSettings
	paused         bool
	resume         chan struct{}
	startedAt      time.Time
	finishedAt     time.Time
	done           chan struct{}
	// sealed is set once the copy loop has taken its last root.
	sealed bool

	onRememberGlobally func(ConflictAction)
}

// JobConfig carries the optional parts of a new job.
type JobConfig struct {
	Name        string
	Device      string
	Priority    Priority
	Options     optimizer.Options
	Progress    chan<- ProgressEvent
	Decisions   chan<- ConflictRequest
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultSendTimeout bounds how long a progress event may wait on a full outlet.
const DefaultSendTimeout = 5 * time.Second

// NewTransferJob creates a queued job.
func NewTransferJob(id uint64, destination string, roots []*TransferItem, cfg JobConfig) *TransferJob {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = defaultJobName(roots, id)
	}
	j := &TransferJob{
		ID:          id,
		Name:        name,
		Device:      cfg.Device,
		Destination: destination,
		Priority:    cfg.Priority,
		CreatedAt:   time.Now(),
		Options:     cfg.Options,
		progress:    cfg.Progress,
		decisions:   cfg.Decisions,
		sendTimeout: cfg.SendTimeout,
		logger:      cfg.Logger.With("job", id),
		cancelAll:   new(atomic.Bool),
		cancelCh:    make(chan struct{}),
		conflicts:   NewRuntimeConflictSettings(),
		done:        make(chan struct{}),
	}
	j.appendRoots(roots)
	return j
}

func defaultJobName(roots []*TransferItem, id uint64) string {
	switch len(roots) {
	case 0:
		return fmt.Sprintf("transfer %d", id)
	case 1:
		return roots[0].RelativePath
	}
	return fmt.Sprintf("%s and %d more", roots[0].RelativePath, len(roots)-1)
}

func (j *TransferJob) appendRoots(items []*TransferItem) {
	for _, it := range items {
		n, size := it.count()
		j.totalItems += n
		j.totalBytes += size
	}
	j.roots = append(j.roots, items...)
}

// AddItems appends items to a queued or running job. Items added to a running
// job are copied after the ones already present.
func (j *TransferJob) AddItems(ctx context.Context, items []*TransferItem) error {
	j.mu.Lock()
	if j.status.Terminal() || j.sealed {
		j.mu.Unlock()
		return ErrJobFinished
	}
	j.appendRoots(items)
	j.mu.Unlock()

	total := 0
	for _, it := range items {
		n, _ := it.count()
		total += n
	}
	j.emit(ctx, ProgressEvent{Kind: EventItemsAdded, ItemCount: total})
	return nil
}

// rootAt returns the i-th root item, or nil past the end.
func (j *TransferJob) rootAt(i int) *TransferItem {
	j.mu.Lock()
	defer j.mu.Unlock()
	if i >= len(j.roots) {
		return nil
	}
	return j.roots[i]
}

// seal stops AddItems once the copy loop has visited n roots. It reports
// false if more roots arrived in the meantime.
func (j *TransferJob) seal(n int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.roots) > n {
		return false
	}
	j.sealed = true
	return true
}

// Roots returns the job's root items.
func (j *TransferJob) Roots() []*TransferItem {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*TransferItem(nil), j.roots...)
}

// Done is closed once the job reaches a terminal status.
func (j *TransferJob) Done() <-chan struct{} { return j.done }

// Status returns the job status.
func (j *TransferJob) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// setStatus moves the job to s unless it already reached a terminal status.
func (j *TransferJob) setStatus(ctx context.Context, s Status) bool {
	j.mu.Lock()
	if j.status.Terminal() || j.status == s {
		j.mu.Unlock()
		return false
	}
	j.status = s
	now := time.Now()
	switch {
	case s == StatusPreparing && j.startedAt.IsZero():
		j.startedAt = now
	case s.Terminal():
		j.finishedAt = now
	}
	j.mu.Unlock()

	j.emit(ctx, ProgressEvent{Kind: EventStatusChanged, Status: s})
	if s.Terminal() {
		close(j.done)
	}
	return true
}

func (j *TransferJob) setItemStatus(it *TransferItem, s ItemStatus) {
	j.mu.Lock()
	it.status = s
	j.mu.Unlock()
}

// finishItem marks it done and counts it.
func (j *TransferJob) finishItem(it *TransferItem, s ItemStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	it.status = s
	j.completedItems++
	switch {
	case err != nil:
		it.err = err.Error()
		j.errors = append(j.errors, err.Error())
	case s == ItemCompleted && it.Kind == KindDirectory:
		j.dirsCreated++
	case s == ItemCompleted:
		j.filesCopied++
	}
}

func (j *TransferJob) addCopied(n int64) {
	j.mu.Lock()
	j.copiedBytes += n
	j.mu.Unlock()
}

// Pause suspends the job before its next item.
func (j *TransferJob) Pause(ctx context.Context) error {
	j.mu.Lock()
	if j.status.Terminal() || j.cancelled.Load() {
		j.mu.Unlock()
		return ErrJobFinished
	}
	if j.paused {
		j.mu.Unlock()
		return nil
	}
	j.paused = true
	j.resume = make(chan struct{})
	j.mu.Unlock()
	return nil
}

// Resume lets a paused job continue from the item it stopped at.
func (j *TransferJob) Resume(ctx context.Context) error {
	j.mu.Lock()
	if !j.paused {
		j.mu.Unlock()
		return nil
	}
	j.paused = false
	close(j.resume)
	wasPaused := j.status == StatusPaused
	if wasPaused {
		j.status = StatusCopying
	}
	j.mu.Unlock()

	if wasPaused {
		j.emit(ctx, ProgressEvent{Kind: EventStatusChanged, Status: StatusCopying})
	}
	return nil
}

// Paused reports whether a pause was requested.
func (j *TransferJob) Paused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.paused
}

// Cancel requests cancellation. The copy loop observes it between items and chunks.
func (j *TransferJob) Cancel() {
	j.cancelled.Store(true)
	j.cancelOnce.Do(func() { close(j.cancelCh) })
	j.mu.Lock()
	if j.paused {
		j.paused = false
		close(j.resume)
	}
	j.mu.Unlock()
}

// Cancelled reports whether the job or all jobs were cancelled.
func (j *TransferJob) Cancelled() bool {
	return j.cancelled.Load() || j.cancelAll.Load()
}

// waitIfPaused blocks while the job is paused. onPause, if set, runs once the
// job has entered StatusPaused.
func (j *TransferJob) waitIfPaused(ctx context.Context, onPause func()) error {
	j.mu.Lock()
	if !j.paused {
		j.mu.Unlock()
		return nil
	}
	resume := j.resume
	entered := j.status != StatusPaused && !j.status.Terminal()
	prev := j.status
	if entered {
		j.status = StatusPaused
	}
	j.mu.Unlock()

	if entered {
		j.logger.Info("job paused", "before_status", prev)
		j.emit(ctx, ProgressEvent{Kind: EventStatusChanged, Status: StatusPaused})
		if onPause != nil {
			onPause()
		}
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress is a point-in-time view of a job.
type Progress struct {
	ID             uint64
	Name           string
	Device         string
	Destination    string
	Priority       Priority
	Status         Status
	TotalItems     int
	CompletedItems int
	TotalBytes     int64
	CopiedBytes    int64
	Errors         []string
	CreatedAt      time.Time
}

// Snapshot returns the job's current progress.
func (j *TransferJob) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{
		ID:             j.ID,
		Name:           j.Name,
		Device:         j.Device,
		Destination:    j.Destination,
		Priority:       j.Priority,
		Status:         j.status,
		TotalItems:     j.totalItems,
		CompletedItems: j.completedItems,
		TotalBytes:     j.totalBytes,
		CopiedBytes:    j.copiedBytes,
		Errors:         append([]string(nil), j.errors...),
		CreatedAt:      j.CreatedAt,
	}
}

// Stats returns aggregate copy statistics as of now.
func (j *TransferJob) Stats() CopyStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := CopyStats{
		BytesTransferred: j.copiedBytes,
		TotalBytes:       j.totalBytes,
		FilesCopied:      j.filesCopied,
		Errors:           append([]string(nil), j.errors...),
	}
	for _, r := range j.roots {
		st.FilesTotal += countFiles(r)
	}
	if j.startedAt.IsZero() {
		return st
	}
	end := j.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	st.Elapsed = end.Sub(j.startedAt)
	st.calculate()
	return st
}

func countFiles(it *TransferItem) int {
	if it.Kind != KindDirectory {
		return 1
	}
	n := 0
	for _, c := range it.Children {
		n += countFiles(c)
	}
	return n
}

// result builds the history record for a finished job.
func (j *TransferJob) result() TransferResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	var d time.Duration
	if !j.startedAt.IsZero() {
		end := j.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		d = end.Sub(j.startedAt)
	}
	return TransferResult{
		JobID:              j.ID,
		Name:               j.Name,
		Status:             j.status,
		TotalBytes:         j.copiedBytes,
		FilesCopied:        j.filesCopied,
		DirectoriesCreated: j.dirsCreated,
		Duration:           d,
		Errors:             append([]string(nil), j.errors...),
		CompletedAt:        time.Now(),
	}
}

// TransferResult summarises a finished job.
type TransferResult struct {
	JobID              uint64
	Name               string
	Status             Status
	TotalBytes         int64
	FilesCopied        int
	DirectoriesCreated int
	Duration           time.Duration
	Errors             []string
	CompletedAt        time.Time
}

// Succeeded reports whether the job completed without item errors.
func (r TransferResult) Succeeded() bool {
	return r.Status == StatusCompleted
}
