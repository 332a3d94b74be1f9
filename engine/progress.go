package engine

import (
	"context"
	"time"
)

// EventKind identifies a progress event.
type EventKind int

const (
	EventFileStarted EventKind = iota
	EventFileCompleted
	EventDirectoryCreated
	EventItemsAdded
	EventConflictDetected
	EventConflictResolved
	EventStatusChanged
	EventItemFailed
)

func (k EventKind) String() string {
	switch k {
	case EventFileStarted:
		return "file-started"
	case EventFileCompleted:
		return "file-completed"
	case EventDirectoryCreated:
		return "directory-created"
	case EventItemsAdded:
		return "items-added"
	case EventConflictDetected:
		return "conflict-detected"
	case EventConflictResolved:
		return "conflict-resolved"
	case EventStatusChanged:
		return "status-changed"
	case EventItemFailed:
		return "item-failed"
	}
	return "unknown"
}

// ProgressEvent is streamed to a job's progress outlet.
type ProgressEvent struct {
	Kind        EventKind
	JobID       uint64
	Source      string
	Destination string
	Size        int64
	Duration    time.Duration
	// ItemCount is set for DirectoryCreated and ItemsAdded.
	ItemCount int
	// Action is the display text of a conflict resolution.
	Action string
	Status Status
	Err    string
}

// emit delivers ev to the job's outlet. A full outlet applies backpressure up
// to the job's send timeout, after which the event is dropped with a warning.
func (j *TransferJob) emit(ctx context.Context, ev ProgressEvent) {
	if j.progress == nil {
		return
	}
	ev.JobID = j.ID

	select {
	case j.progress <- ev:
		return
	default:
	}

	timer := time.NewTimer(j.sendTimeout)
	defer timer.Stop()
	select {
	case j.progress <- ev:
	case <-timer.C:
		j.logger.Warn("progress outlet full, dropping event", "event", ev.Kind, "timeout", j.sendTimeout)
	case <-ctx.Done():
	}
}

// CopyStats aggregates a job's transfer figures.
type CopyStats struct {
	BytesTransferred   int64
	TotalBytes         int64
	SpeedBps           float64
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
	FilesCopied        int
	FilesTotal         int
	Errors             []string
}

func (s *CopyStats) calculate() {
	if s.Elapsed <= 0 {
		return
	}
	s.SpeedBps = float64(s.BytesTransferred) / s.Elapsed.Seconds()
	remaining := s.TotalBytes - s.BytesTransferred
	if s.SpeedBps > 0 && remaining > 0 {
		s.EstimatedRemaining = time.Duration(float64(remaining) / s.SpeedBps * float64(time.Second))
	}
}

// Percent returns completion in [0, 100].
func (s CopyStats) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	p := float64(s.BytesTransferred) / float64(s.TotalBytes) * 100
	if p > 100 {
		p = 100
	}
	return p
}
