package engine

import "container/heap"

// queuedJob is a heap entry. seq breaks ties between jobs created in the same
// instant so equal-priority jobs stay FIFO.
type queuedJob struct {
	job   *TransferJob
	seq   uint64
	index int
}

// jobHeap orders jobs by priority, then creation time, then submission order.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*queuedJob)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// priorityQueue wraps jobHeap with lookups by job id.
type priorityQueue struct {
	h    jobHeap
	byID map[uint64]*queuedJob
	seq  uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{byID: make(map[uint64]*queuedJob)}
}

func (pq *priorityQueue) Len() int { return pq.h.Len() }

func (pq *priorityQueue) push(job *TransferJob) {
	pq.seq++
	e := &queuedJob{job: job, seq: pq.seq}
	heap.Push(&pq.h, e)
	pq.byID[job.ID] = e
}

// pop removes the next job to run, or returns nil.
func (pq *priorityQueue) pop() *TransferJob {
	if pq.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&pq.h).(*queuedJob)
	delete(pq.byID, e.job.ID)
	return e.job
}

func (pq *priorityQueue) get(id uint64) (*TransferJob, bool) {
	e, ok := pq.byID[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

func (pq *priorityQueue) remove(id uint64) (*TransferJob, bool) {
	e, ok := pq.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&pq.h, e.index)
	delete(pq.byID, id)
	return e.job, true
}

func (pq *priorityQueue) reprioritize(id uint64, p Priority) bool {
	e, ok := pq.byID[id]
	if !ok {
		return false
	}
	e.job.mu.Lock()
	e.job.Priority = p
	e.job.mu.Unlock()
	heap.Fix(&pq.h, e.index)
	return true
}

// ordered returns the pending jobs in the order they would run.
func (pq *priorityQueue) ordered() []*TransferJob {
	cp := make(jobHeap, len(pq.h))
	for i, e := range pq.h {
		c := *e
		cp[i] = &c
	}
	out := make([]*TransferJob, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*queuedJob).job)
	}
	return out
}

// drain removes and returns all pending jobs in run order.
func (pq *priorityQueue) drain() []*TransferJob {
	out := pq.ordered()
	pq.h = nil
	pq.byID = make(map[uint64]*queuedJob)
	return out
}
