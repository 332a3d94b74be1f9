package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/franksops/devcopy/device"
)

var (
	// ErrQueueStopped is returned by operations on a stopped queue.
	ErrQueueStopped = errors.New("device queue stopped")

	// ErrJobNotFound is returned when a job id is not pending or running.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when a finished job is modified.
	ErrJobFinished = errors.New("job already finished")
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, job *TransferJob) TransferResult
}

// QueueStatus is the scheduling state of a device queue.
type QueueStatus int

const (
	QueueIdle QueueStatus = iota
	QueueActive
	QueuePaused
	QueueStopped
)

func (s QueueStatus) String() string {
	switch s {
	case QueueActive:
		return "active"
	case QueuePaused:
		return "paused"
	case QueueStopped:
		return "stopped"
	}
	return "idle"
}

// QueueStatistics are running totals over finished jobs.
type QueueStatistics struct {
	TotalTransfers      int
	SuccessfulTransfers int
	FailedTransfers     int
	TotalBytes          int64
	TotalDuration       time.Duration
}

func (s *QueueStatistics) record(r TransferResult) {
	s.TotalTransfers++
	if r.Succeeded() {
		s.SuccessfulTransfers++
	} else {
		s.FailedTransfers++
	}
	s.TotalBytes += r.TotalBytes
	s.TotalDuration += r.Duration
}

// QueueSnapshot is a read-only view of a queue for UIs.
type QueueSnapshot struct {
	DevicePath string
	DeviceName string
	Status     QueueStatus
	Current    *Progress
	Pending    []Progress
	History    []TransferResult
	Stats      QueueStatistics
}

// FinishFunc is called on the queue goroutine when a job finishes. It must not
// call back into the queue.
type FinishFunc func(job *TransferJob, result TransferResult, stats QueueStatistics)

// QueueConfig configures a DeviceQueue.
type QueueConfig struct {
	Device       device.Info
	Runner       Runner
	HistoryLimit int
	// OnStart is called on the queue goroutine when a job starts running.
	OnStart  func(job *TransferJob)
	OnFinish FinishFunc
	Logger   *slog.Logger
}

// DefaultHistoryLimit is the number of finished jobs a queue remembers.
const DefaultHistoryLimit = 50

// DeviceQueue schedules the jobs targeting one device. A single goroutine
// owns all queue state; at most one job runs at a time.
type DeviceQueue struct {
	info         device.Info
	runner       Runner
	historyLimit int
	onStart      func(job *TransferJob)
	onFinish     FinishFunc
	logger       *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	ops      chan func()
	finished chan TransferResult
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the loop goroutine.
	status  QueueStatus
	current *TransferJob
	pending *priorityQueue
	history []TransferResult
	stats   QueueStatistics

	finalMu sync.Mutex
	final   QueueSnapshot
}

// NewDeviceQueue creates a queue and starts its goroutine.
func NewDeviceQueue(ctx context.Context, cfg QueueConfig) *DeviceQueue {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = device.NameOf(cfg.Device.Path)
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &DeviceQueue{
		info:         cfg.Device,
		runner:       cfg.Runner,
		historyLimit: cfg.HistoryLimit,
		onStart:      cfg.OnStart,
		onFinish:     cfg.OnFinish,
		logger:       cfg.Logger.With("device", cfg.Device.Path),
		ctx:          ctx,
		cancel:       cancel,
		ops:          make(chan func()),
		finished:     make(chan TransferResult),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		pending:      newPriorityQueue(),
	}
	go q.loop()
	return q
}

// Device returns the device the queue writes to.
func (q *DeviceQueue) Device() device.Info { return q.info }

func (q *DeviceQueue) loop() {
	defer close(q.done)
	for {
		q.startNext()
		select {
		case fn := <-q.ops:
			fn()
		case res := <-q.finished:
			q.complete(res)
		case <-q.quit:
			q.shutdown()
			return
		case <-q.ctx.Done():
			q.shutdown()
			return
		}
	}
}

// call runs fn on the queue goroutine and waits for it.
func (q *DeviceQueue) call(fn func()) error {
	done := make(chan struct{})
	select {
	case q.ops <- func() { fn(); close(done) }:
	case <-q.done:
		return ErrQueueStopped
	}
	<-done
	return nil
}

func (q *DeviceQueue) startNext() {
	if q.current != nil || q.status == QueuePaused || q.status == QueueStopped {
		return
	}
	for {
		job := q.pending.pop()
		if job == nil {
			q.status = QueueIdle
			return
		}
		if job.Cancelled() {
			q.finishUnstarted(job)
			continue
		}
		q.current = job
		q.status = QueueActive
		q.logger.Info("starting job", "job", job.ID, "name", job.Name, "priority", job.Priority)
		if q.onStart != nil {
			q.onStart(job)
		}
		go func() {
			q.finished <- q.runner.Run(q.ctx, job)
		}()
		return
	}
}

func (q *DeviceQueue) complete(res TransferResult) {
	job := q.current
	q.current = nil
	if q.status == QueueActive {
		q.status = QueueIdle
	}
	q.record(job, res)
}

func (q *DeviceQueue) record(job *TransferJob, res TransferResult) {
	q.history = append(q.history, res)
	if over := len(q.history) - q.historyLimit; over > 0 {
		q.history = append([]TransferResult(nil), q.history[over:]...)
	}
	q.stats.record(res)
	q.logger.Info("job finished", "job", res.JobID, "status", res.Status, "bytes", res.TotalBytes, "duration", res.Duration)
	if q.onFinish != nil {
		q.onFinish(job, res, q.stats)
	}
}

// finishUnstarted moves a job that never ran straight to history as cancelled.
func (q *DeviceQueue) finishUnstarted(job *TransferJob) {
	job.Cancel()
	job.setStatus(q.ctx, StatusCancelled)
	q.record(job, job.result())
}

func (q *DeviceQueue) shutdown() {
	q.status = QueueStopped
	for _, job := range q.pending.drain() {
		q.finishUnstarted(job)
	}
	if q.current != nil {
		q.current.Cancel()
	}
	q.cancel()
	if q.current != nil {
		q.complete(<-q.finished)
	}

	q.finalMu.Lock()
	q.final = q.snapshot()
	q.finalMu.Unlock()
}

// Enqueue adds a job. It starts immediately if the queue is idle.
func (q *DeviceQueue) Enqueue(job *TransferJob) error {
	var err error
	callErr := q.call(func() {
		if q.status == QueueStopped {
			err = ErrQueueStopped
			return
		}
		q.pending.push(job)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Pause stops the queue from starting new jobs. The running job continues.
func (q *DeviceQueue) Pause() error {
	return q.call(func() {
		if q.status != QueueStopped {
			q.status = QueuePaused
		}
	})
}

// Resume lets the queue start jobs again.
func (q *DeviceQueue) Resume() error {
	return q.call(func() {
		if q.status != QueuePaused {
			return
		}
		q.status = QueueIdle
		if q.current != nil {
			q.status = QueueActive
		}
	})
}

// Stop cancels pending and running jobs and ends the queue goroutine once the
// running job has returned.
func (q *DeviceQueue) Stop() {
	q.stopOnce.Do(func() { close(q.quit) })
	<-q.done
}

// Done is closed when the queue goroutine has exited.
func (q *DeviceQueue) Done() <-chan struct{} { return q.done }

// find returns a running or pending job.
func (q *DeviceQueue) find(id uint64) (*TransferJob, bool) {
	if q.current != nil && q.current.ID == id {
		return q.current, true
	}
	return q.pending.get(id)
}

// Job returns a running or pending job.
func (q *DeviceQueue) Job(id uint64) (*TransferJob, error) {
	var (
		job *TransferJob
		ok  bool
	)
	if err := q.call(func() { job, ok = q.find(id) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// PauseJob suspends a job before its next item.
func (q *DeviceQueue) PauseJob(ctx context.Context, id uint64) error {
	job, err := q.Job(id)
	if err != nil {
		return err
	}
	return job.Pause(ctx)
}

// ResumeJob resumes a paused job.
func (q *DeviceQueue) ResumeJob(ctx context.Context, id uint64) error {
	job, err := q.Job(id)
	if err != nil {
		return err
	}
	return job.Resume(ctx)
}

// CancelJob cancels a pending or running job.
func (q *DeviceQueue) CancelJob(id uint64) error {
	found := false
	err := q.call(func() {
		if job, ok := q.pending.remove(id); ok {
			found = true
			q.finishUnstarted(job)
			return
		}
		if q.current != nil && q.current.ID == id {
			found = true
			q.current.Cancel()
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}
	return nil
}

// CancelPending cancels every job that has not started.
func (q *DeviceQueue) CancelPending() error {
	return q.call(func() {
		for _, job := range q.pending.drain() {
			q.finishUnstarted(job)
		}
	})
}

// CancelAll cancels pending jobs and the running one.
func (q *DeviceQueue) CancelAll() error {
	return q.call(func() {
		for _, job := range q.pending.drain() {
			q.finishUnstarted(job)
		}
		if q.current != nil {
			q.current.Cancel()
		}
	})
}

// Reprioritize changes the priority of a pending job.
func (q *DeviceQueue) Reprioritize(id uint64, p Priority) error {
	found := false
	if err := q.call(func() { found = q.pending.reprioritize(id, p) }); err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}
	return nil
}

// Statistics returns the queue's running totals.
func (q *DeviceQueue) Statistics() QueueStatistics {
	return q.Snapshot().Stats
}

// Snapshot returns the queue state. After Stop it returns the final state.
func (q *DeviceQueue) Snapshot() QueueSnapshot {
	var snap QueueSnapshot
	if err := q.call(func() { snap = q.snapshot() }); err != nil {
		q.finalMu.Lock()
		defer q.finalMu.Unlock()
		return q.final
	}
	return snap
}

func (q *DeviceQueue) snapshot() QueueSnapshot {
	snap := QueueSnapshot{
		DevicePath: q.info.Path,
		DeviceName: q.info.Name,
		Status:     q.status,
		History:    append([]TransferResult(nil), q.history...),
		Stats:      q.stats,
	}
	if q.current != nil {
		p := q.current.Snapshot()
		snap.Current = &p
	}
	for _, job := range q.pending.ordered() {
		snap.Pending = append(snap.Pending, job.Snapshot())
	}
	return snap
}
