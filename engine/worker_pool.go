package engine

import (
	"context"
	"sync"
)

// ChunkTask is one byte range of a file copied by a pool worker.
type ChunkTask struct {
	Offset int64
	Length int64
}

// TaskChannel queues chunk tasks for the workers.
type TaskChannel chan ChunkTask

// TaskHandler processes a ChunkTask.
type TaskHandler func(context.Context, ChunkTask) error

// WorkerPool manages a dynamic set of workers processing chunk tasks. The
// first handler error cancels the pool.
type WorkerPool struct {
	taskChan TaskChannel
	handler  TaskHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup
	err         error
}

// NewWorkerPool creates a new dynamic worker pool.
func NewWorkerPool(ctx context.Context, taskChan TaskChannel, handler TaskHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		taskChan: taskChan,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)

	go func(id int, quit chan struct{}) {
		defer p.wg.Done()
		for {
			// Prioritize quit and context cancellation checking
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case task, ok := <-p.taskChan:
				if !ok {
					return
				}
				if err := p.handler(p.ctx, task); err != nil {
					p.fail(err)
					return
				}
			}
		}
	}(id, quitChan)
}

func (p *WorkerPool) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		close(quit) // exits after the current task
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Submit queues a task, giving up if the pool was cancelled.
func (p *WorkerPool) Submit(task ChunkTask) error {
	select {
	case p.taskChan <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Wait blocks until every worker has exited, either because the task channel
// was closed and drained or because the pool was cancelled, and returns the
// first task error.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()
	ctxErr := p.ctx.Err()
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return ctxErr
}

// Stop initiates termination of all workers and waits for them to exit.
// Tasks currently running might be aborted since the context is cancelled.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
