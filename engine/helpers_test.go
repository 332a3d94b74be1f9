package engine

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/franksops/devcopy/provider"
	"github.com/franksops/devcopy/recovery"
	"github.com/franksops/devcopy/store"
)

type MockStore struct {
	mu     sync.Mutex
	Jobs   map[string]*store.JobRecord
	Queues map[string]*store.QueueStats
}

func newMockStore() *MockStore {
	return &MockStore{
		Jobs:   make(map[string]*store.JobRecord),
		Queues: make(map[string]*store.QueueStats),
	}
}

func (m *MockStore) SaveJob(job *store.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.Jobs[job.ID] = &cp
	return nil
}

func (m *MockStore) GetJob(id string) (*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.Jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MockStore) ListJobs() ([]*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.JobRecord, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MockStore) DeleteJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Jobs[id]; !ok {
		return store.ErrJobNotFound
	}
	delete(m.Jobs, id)
	return nil
}

func (m *MockStore) SaveQueueStats(stats *store.QueueStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stats
	m.Queues[stats.Device] = &cp
	return nil
}

func (m *MockStore) ListQueueStats() ([]*store.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.QueueStats, 0, len(m.Queues))
	for _, q := range m.Queues {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Close() error { return nil }

func writeFile(t *testing.T, p provider.Provider, path, content string) {
	t.Helper()
	w, err := p.OpenWrite(context.Background(), path, nil)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readFile(t *testing.T, p provider.Provider, path string) string {
	t.Helper()
	rc, err := p.OpenRead(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

// fastRecovery retries without waiting.
func fastRecovery() *recovery.ErrorRecovery {
	return recovery.NewErrorRecovery(recovery.Policy{MaxRetries: 2, RetryDelay: time.Millisecond})
}

// collect drains events until the channel is closed or the job is done and
// the channel is empty.
func collect(job *TransferJob, events <-chan ProgressEvent) []ProgressEvent {
	var out []ProgressEvent
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-job.Done():
			for {
				select {
				case ev := <-events:
					out = append(out, ev)
				default:
					return out
				}
			}
		}
	}
}

func waitDone(t *testing.T, job *TransferJob) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %d did not finish", job.ID)
	}
}
