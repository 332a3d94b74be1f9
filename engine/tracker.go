package engine

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/franksops/devcopy/store"
)

// CheckpointConfig defines the criteria for when to save a job's state
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// JobTracker wraps a store to provide job tracking and checkpointing capabilities
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(store store.Store, config CheckpointConfig) *JobTracker {
	return &JobTracker{
		store:  store,
		config: config,
	}
}

// RecordID is the store key of a job.
func RecordID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// stateOf maps a job status onto its persisted state.
func stateOf(s Status) store.JobState {
	switch s {
	case StatusQueued:
		return store.StateQueued
	case StatusPaused:
		return store.StatePaused
	case StatusCompleted:
		return store.StateCompleted
	case StatusCancelled:
		return store.StateCancelled
	case StatusError:
		return store.StateFailed
	}
	return store.StateCopying
}

// InitJob records a newly submitted job
func (jt *JobTracker) InitJob(job *TransferJob) error {
	p := job.Snapshot()
	record := &store.JobRecord{
		ID:              RecordID(job.ID),
		Name:            job.Name,
		Device:          job.Device,
		DestinationPath: job.Destination,
		Priority:        p.Priority.String(),
		State:           store.StateQueued,
		TotalBytes:      p.TotalBytes,
		TotalItems:      p.TotalItems,
		CreatedAt:       job.CreatedAt,
	}
	for _, it := range job.Roots() {
		record.SourcePaths = append(record.SourcePaths, it.SourcePath)
	}
	return jt.store.SaveJob(record)
}

// Update stores the job's current status and counters
func (jt *JobTracker) Update(job *TransferJob) error {
	record, err := jt.store.GetJob(RecordID(job.ID))
	if err != nil {
		return err
	}
	p := job.Snapshot()
	record.State = stateOf(p.Status)
	record.Priority = p.Priority.String()
	record.BytesTransferred = p.CopiedBytes
	record.TotalBytes = p.TotalBytes
	record.CompletedItems = p.CompletedItems
	record.TotalItems = p.TotalItems
	record.Errors = p.Errors
	return jt.store.SaveJob(record)
}

// TrackedWriter wraps an io.Writer to track bytes written and checkpoint progress
type TrackedWriter struct {
	io.Writer
	tracker *JobTracker
	jobID   string

	mu              sync.Mutex
	bytesWritten    int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewTrackedWriter creates a new TrackedWriter. startBytes is the job's byte
// count before this writer.
func (jt *JobTracker) NewTrackedWriter(w io.Writer, jobID uint64, startBytes int64) *TrackedWriter {
	return &TrackedWriter{
		Writer:          w,
		tracker:         jt,
		jobID:           RecordID(jobID),
		bytesWritten:    startBytes,
		lastCheckpoint:  startBytes,
		lastCheckpointT: time.Now(),
	}
}

// Write implements io.Writer and checkpoints progress
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n > 0 {
		tw.mu.Lock()
		tw.bytesWritten += int64(n)

		needsCheckpoint := false
		if tw.bytesWritten-tw.lastCheckpoint >= tw.tracker.config.BytesInterval {
			needsCheckpoint = true
		} else if time.Since(tw.lastCheckpointT) >= tw.tracker.config.TimeInterval {
			needsCheckpoint = true
		}

		currentBytes := tw.bytesWritten
		tw.mu.Unlock()

		if needsCheckpoint {
			tw.checkpoint(currentBytes)
		}
	}
	return n, err
}

func (tw *TrackedWriter) checkpoint(bytes int64) {
	// A failed checkpoint must not fail the copy.
	record, err := tw.tracker.store.GetJob(tw.jobID)
	if err == nil {
		record.BytesTransferred = bytes
		_ = tw.tracker.store.SaveJob(record)

		tw.mu.Lock()
		tw.lastCheckpoint = bytes
		tw.lastCheckpointT = time.Now()
		tw.mu.Unlock()
	}
}

// BytesWritten returns the total number of bytes written
func (tw *TrackedWriter) BytesWritten() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten
}
