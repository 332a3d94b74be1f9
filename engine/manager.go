package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/optimizer"
	"github.com/franksops/devcopy/provider"
	"github.com/franksops/devcopy/recovery"
	"github.com/franksops/devcopy/store"
)

// ErrManagerClosed is returned by Submit after Shutdown.
var ErrManagerClosed = errors.New("transfer manager closed")

// Observer is told when jobs start and finish. Calls happen on queue
// goroutines and must return quickly.
type Observer interface {
	TransferStarted(job *TransferJob)
	TransferFinished(job *TransferJob, result TransferResult)
}

// ManagerConfig configures a TransferManager. Source and Destination are
// required unless Runner is set.
type ManagerConfig struct {
	Source      provider.Provider
	Destination provider.Provider
	// Runner replaces the built-in Copier.
	Runner Runner

	Optimizer       *optimizer.Optimizer
	Detector        *device.Detector
	Recovery        *recovery.ErrorRecovery
	Store           store.Store
	Options         optimizer.Options
	Policy          GlobalPolicy
	ConflictTimeout time.Duration
	SendTimeout     time.Duration
	HistoryLimit    int
	Ignore          []string
	Observer        Observer
	// OnPolicyChange persists a policy remembered from a conflict reply.
	OnPolicyChange func(GlobalPolicy)
	Logger         *slog.Logger
}

// Submission is a batch of source entries for one destination.
type Submission struct {
	// Device identifies the destination device. It defaults to Destination.
	Device      string
	Destination string
	Name        string
	Entries     []Entry
	Priority    Priority
	// Options overrides the manager's default copy options.
	Options   *optimizer.Options
	Progress  chan<- ProgressEvent
	Decisions chan<- ConflictRequest
}

// TransferManager routes submissions to one DeviceQueue per destination
// device and tracks the jobs that have not finished.
type TransferManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	runner   Runner
	walker   *Walker
	detector *device.Detector
	tracker  *JobTracker
	store    store.Store
	observer Observer
	onPolicy func(GlobalPolicy)
	logger   *slog.Logger

	options      optimizer.Options
	sendTimeout  time.Duration
	historyLimit int

	nextID atomic.Uint64

	mu      sync.Mutex
	policy  GlobalPolicy
	queues  map[string]*DeviceQueue
	jobs    map[uint64]*TransferJob
	active  []uint64
	token   *atomic.Bool
	changed chan struct{}
	closed  bool
}

// NewTransferManager creates a manager whose queues live until ctx is done or
// Shutdown is called.
func NewTransferManager(ctx context.Context, cfg ManagerConfig) (*TransferManager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Detector == nil {
		cfg.Detector = device.NewDetector(nil, cfg.Logger)
	}
	if cfg.Policy.RenamePattern == "" {
		cfg.Policy.RenamePattern = DefaultRenamePattern
	}

	walker, err := NewWalker(cfg.Source, cfg.Ignore)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &TransferManager{
		ctx:          ctx,
		cancel:       cancel,
		walker:       walker,
		detector:     cfg.Detector,
		store:        cfg.Store,
		observer:     cfg.Observer,
		onPolicy:     cfg.OnPolicyChange,
		logger:       cfg.Logger,
		options:      cfg.Options,
		sendTimeout:  cfg.SendTimeout,
		historyLimit: cfg.HistoryLimit,
		policy:       cfg.Policy,
		queues:       make(map[string]*DeviceQueue),
		jobs:         make(map[uint64]*TransferJob),
		token:        new(atomic.Bool),
		changed:      make(chan struct{}),
	}
	if cfg.Store != nil {
		m.tracker = NewJobTracker(cfg.Store, DefaultCheckpointConfig)
	}

	m.runner = cfg.Runner
	if m.runner == nil {
		m.runner = NewCopier(CopierConfig{
			Source:          cfg.Source,
			Destination:     cfg.Destination,
			Optimizer:       cfg.Optimizer,
			Detector:        cfg.Detector,
			Recovery:        cfg.Recovery,
			Policy:          m.ConflictPolicy,
			ConflictTimeout: cfg.ConflictTimeout,
			Tracker:         m.tracker,
			Logger:          cfg.Logger,
		})
	}
	return m, nil
}

// ConflictPolicy returns the global conflict policy.
func (m *TransferManager) ConflictPolicy() GlobalPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetConflictPolicy replaces the global conflict policy for conflicts that
// have not been resolved yet.
func (m *TransferManager) SetConflictPolicy(p GlobalPolicy) {
	if p.RenamePattern == "" {
		p.RenamePattern = DefaultRenamePattern
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// rememberGlobally turns a remembered conflict reply into the global default.
func (m *TransferManager) rememberGlobally(action ConflictAction) {
	switch action {
	case ActionOverwriteAll:
		action = ActionOverwrite
	case ActionSkipAll:
		action = ActionSkip
	}
	m.mu.Lock()
	m.policy.DefaultAction = action
	m.policy.AskForConfirmation = false
	p := m.policy
	m.mu.Unlock()

	m.logger.Info("conflict policy remembered", "default_action", action)
	if m.onPolicy != nil {
		m.onPolicy(p)
	}
}

func deviceKey(path string) string {
	return filepath.Clean(path)
}

// queueFor returns the queue for a device, creating it on first use.
func (m *TransferManager) queueFor(key string) (*DeviceQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if q, ok := m.queues[key]; ok {
		select {
		case <-q.Done():
		default:
			return q, nil
		}
	}
	q := NewDeviceQueue(m.ctx, QueueConfig{
		Device:       m.detector.Detect(key),
		Runner:       m.runner,
		HistoryLimit: m.historyLimit,
		OnStart:      m.onStart,
		OnFinish:     m.onFinish,
		Logger:       m.logger,
	})
	m.queues[key] = q
	return q, nil
}

// Submit expands the entries into a new job and queues it on the
// destination's device queue.
func (m *TransferManager) Submit(ctx context.Context, sub Submission) (*TransferJob, error) {
	if sub.Destination == "" {
		return nil, fmt.Errorf("submission has no destination")
	}
	if len(sub.Entries) == 0 {
		return nil, fmt.Errorf("submission has no entries")
	}
	items, err := m.walker.Expand(ctx, sub.Entries)
	if err != nil {
		return nil, err
	}

	key := sub.Device
	if key == "" {
		key = sub.Destination
	}
	key = deviceKey(key)
	q, err := m.queueFor(key)
	if err != nil {
		return nil, err
	}

	opts := m.options
	if sub.Options != nil {
		opts = *sub.Options
	}
	id := m.nextID.Add(1)
	job := NewTransferJob(id, sub.Destination, items, JobConfig{
		Name:        sub.Name,
		Device:      key,
		Priority:    sub.Priority,
		Options:     opts,
		Progress:    sub.Progress,
		Decisions:   sub.Decisions,
		SendTimeout: m.sendTimeout,
		Logger:      m.logger,
	})
	job.onRememberGlobally = m.rememberGlobally

	m.mu.Lock()
	job.cancelAll = m.token
	m.jobs[id] = job
	m.active = append(m.active, id)
	m.broadcast()
	m.mu.Unlock()

	if m.tracker != nil {
		if err := m.tracker.InitJob(job); err != nil {
			m.logger.Warn("failed to persist job", "job", id, "error", err)
		}
	}

	if err := q.Enqueue(job); err != nil {
		m.forget(id)
		return nil, err
	}
	m.logger.Info("job submitted", "job", id, "device", key, "items", job.Snapshot().TotalItems, "priority", job.Priority)
	return job, nil
}

// AddItems expands entries and appends them to an unfinished job.
func (m *TransferManager) AddItems(ctx context.Context, id uint64, entries []Entry) error {
	job, err := m.Job(id)
	if err != nil {
		return err
	}
	items, err := m.walker.Expand(ctx, entries)
	if err != nil {
		return err
	}
	if err := job.AddItems(ctx, items); err != nil {
		return err
	}
	if m.tracker != nil {
		if err := m.tracker.Update(job); err != nil {
			m.logger.Debug("failed to persist job", "job", id, "error", err)
		}
	}
	return nil
}

// broadcast wakes Wait callers. m.mu must be held.
func (m *TransferManager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *TransferManager) forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	m.active = slices.DeleteFunc(m.active, func(a uint64) bool { return a == id })
	m.broadcast()
}

func (m *TransferManager) onStart(job *TransferJob) {
	if m.observer != nil {
		m.observer.TransferStarted(job)
	}
}

// onFinish runs on the queue goroutine and must not call into queues.
func (m *TransferManager) onFinish(job *TransferJob, res TransferResult, stats QueueStatistics) {
	m.forget(job.ID)

	if m.store != nil {
		err := m.store.SaveQueueStats(&store.QueueStats{
			Device:         job.Device,
			Successful:     stats.SuccessfulTransfers,
			Failed:         stats.FailedTransfers,
			TotalBytes:     stats.TotalBytes,
			TotalDuration:  stats.TotalDuration,
			LastTransferAt: res.CompletedAt,
		})
		if err != nil {
			m.logger.Warn("failed to persist queue statistics", "device", job.Device, "error", err)
		}
	}
	if m.tracker != nil {
		if err := m.tracker.Update(job); err != nil {
			m.logger.Debug("failed to persist job", "job", job.ID, "error", err)
		}
	}
	if m.observer != nil {
		m.observer.TransferFinished(job, res)
	}
}

// Job returns an unfinished job.
func (m *TransferManager) Job(id uint64) (*TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Jobs returns the progress of every unfinished job, oldest first.
func (m *TransferManager) Jobs() []Progress {
	m.mu.Lock()
	jobs := make([]*TransferJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	out := make([]Progress, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Queue returns the queue of a device.
func (m *TransferManager) Queue(dev string) (*DeviceQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[deviceKey(dev)]
	return q, ok
}

func (m *TransferManager) queueList() []*DeviceQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]*DeviceQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	return queues
}

// Queues returns a snapshot of every queue, ordered by device path.
func (m *TransferManager) Queues() []QueueSnapshot {
	queues := m.queueList()
	out := make([]QueueSnapshot, 0, len(queues))
	for _, q := range queues {
		out = append(out, q.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DevicePath < out[k].DevicePath })
	return out
}

func (m *TransferManager) queueOf(id uint64) (*DeviceQueue, error) {
	job, err := m.Job(id)
	if err != nil {
		return nil, err
	}
	q, ok := m.Queue(job.Device)
	if !ok {
		return nil, ErrJobNotFound
	}
	return q, nil
}

// PauseJob suspends a job before its next item.
func (m *TransferManager) PauseJob(ctx context.Context, id uint64) error {
	q, err := m.queueOf(id)
	if err != nil {
		return err
	}
	return q.PauseJob(ctx, id)
}

// ResumeJob resumes a paused job.
func (m *TransferManager) ResumeJob(ctx context.Context, id uint64) error {
	q, err := m.queueOf(id)
	if err != nil {
		return err
	}
	return q.ResumeJob(ctx, id)
}

// CancelJob cancels one job.
func (m *TransferManager) CancelJob(id uint64) error {
	q, err := m.queueOf(id)
	if err != nil {
		return err
	}
	return q.CancelJob(id)
}

// Reprioritize changes the priority of a queued job.
func (m *TransferManager) Reprioritize(id uint64, p Priority) error {
	q, err := m.queueOf(id)
	if err != nil {
		return err
	}
	return q.Reprioritize(id, p)
}

// PauseDevice stops a device queue from starting new jobs.
func (m *TransferManager) PauseDevice(dev string) error {
	q, ok := m.Queue(dev)
	if !ok {
		return fmt.Errorf("no queue for device %s", dev)
	}
	return q.Pause()
}

// ResumeDevice lets a paused device queue start jobs again.
func (m *TransferManager) ResumeDevice(dev string) error {
	q, ok := m.Queue(dev)
	if !ok {
		return fmt.Errorf("no queue for device %s", dev)
	}
	return q.Resume()
}

// CancelAll cancels every submitted job. Running copy loops observe the shared
// token between items and chunks; the active list is empty on return.
func (m *TransferManager) CancelAll() {
	m.mu.Lock()
	m.token.Store(true)
	m.token = new(atomic.Bool)
	m.active = nil
	m.broadcast()
	m.mu.Unlock()

	for _, q := range m.queueList() {
		if err := q.CancelAll(); err != nil && !errors.Is(err, ErrQueueStopped) {
			m.logger.Warn("failed to cancel queue", "device", q.Device().Path, "error", err)
		}
	}
	m.logger.Info("all transfers cancelled")
}

// HasActiveTransfers reports whether any submitted job is unfinished.
func (m *TransferManager) HasActiveTransfers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) > 0
}

// ActiveTransfers returns the ids of unfinished jobs in submission order.
func (m *TransferManager) ActiveTransfers() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.active...)
}

// Wait blocks until no transfer is active.
func (m *TransferManager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.active) == 0 {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops every queue, cancelling what is still pending or running.
func (m *TransferManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, q := range m.queueList() {
		q.Stop()
	}
	m.cancel()
}
