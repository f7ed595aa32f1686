package processor

import (
	"sync"
)

// WorkerPool runs tasks on a fixed set of goroutines. It lives as long as the
// batch loop and is shared by every batch.
type WorkerPool struct {
	tasks     chan func()
	wg        sync.WaitGroup
	size      int
	closeOnce sync.Once
}

// NewWorkerPool starts size workers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		tasks: make(chan func(), size),
		size:  size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Size is the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Submit queues task, blocking while all workers are busy and the queue is
// full. It must not be called after Close.
func (p *WorkerPool) Submit(task func()) {
	p.tasks <- task
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
