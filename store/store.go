package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrJobNotFound is returned when a job is not found in the state store.
	ErrJobNotFound = errors.New("job not found")
)

var (
	jobsBucket  = []byte("jobs")
	queueBucket = []byte("queues")
)

// JobState represents the persisted status of a transfer job.
type JobState string

const (
	StateQueued    JobState = "Queued"
	StateCopying   JobState = "Copying"
	StatePaused    JobState = "Paused"
	StateCompleted JobState = "Completed"
	StateCancelled JobState = "Cancelled"
	StateFailed    JobState = "Failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// JobRecord represents the state of a job in the store.
type JobRecord struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Device           string    `json:"device"`
	DestinationPath  string    `json:"destination_path"`
	SourcePaths      []string  `json:"source_paths"`
	Priority         string    `json:"priority"`
	State            JobState  `json:"state"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
	CompletedItems   int       `json:"completed_items"`
	TotalItems       int       `json:"total_items"`
	Errors           []string  `json:"errors,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// QueueStats is the persisted running total for one device queue.
type QueueStats struct {
	Device         string        `json:"device"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	TotalBytes     int64         `json:"total_bytes"`
	TotalDuration  time.Duration `json:"total_duration"`
	LastTransferAt time.Time     `json:"last_transfer_at"`
}

// Store define the interface for tracking transfer state.
type Store interface {
	SaveJob(job *JobRecord) error
	GetJob(id string) (*JobRecord, error)
	ListJobs() ([]*JobRecord, error)
	DeleteJob(id string) error
	SaveQueueStats(stats *QueueStats) error
	ListQueueStats() ([]*QueueStats, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{jobsBucket, queueBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveJob saves a job to the state store.
func (s *BoltStore) SaveJob(job *JobRecord) error {
	job.UpdatedAt = time.Now()
	return s.put(jobsBucket, job.ID, job)
}

// GetJob retrieves a job from the state store.
func (s *BoltStore) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &job, nil
}

// ListJobs returns every stored job, newest first.
func (s *BoltStore) ListJobs() ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// DeleteJob removes a job. Deleting a missing job returns ErrJobNotFound.
func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		if b.Get([]byte(id)) == nil {
			return ErrJobNotFound
		}
		return b.Delete([]byte(id))
	})
}

// SaveQueueStats replaces the stored totals for stats.Device.
func (s *BoltStore) SaveQueueStats(stats *QueueStats) error {
	return s.put(queueBucket, stats.Device, stats)
}

// ListQueueStats returns the stored totals ordered by device.
func (s *BoltStore) ListQueueStats() ([]*QueueStats, error) {
	var out []*QueueStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var st QueueStats
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("failed to unmarshal queue stats %s: %w", k, err)
			}
			out = append(out, &st)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", bucket, err)
		}

		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to put %s: %w", bucket, err)
		}
		return nil
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
