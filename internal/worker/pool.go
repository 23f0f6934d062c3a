package worker

import (
	"context"
	"sync"
)

const (
	defaultWorkerCount = 4
	defaultQueueSize   = 16
)

// Job is one unit of work. It must return promptly once ctx is done.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	jobs        chan Job
	workerCount int
	queueSize   int
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

// WithQueueSize bounds how many submitted jobs may wait for a free worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.queueSize = n
		}
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		workerCount: defaultWorkerCount,
		queueSize:   defaultQueueSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.jobs = make(chan Job, p.queueSize)
	return p
}

// TrySubmit queues job without blocking. It reports false when the queue is full.
func (p *Pool) TrySubmit(job Job) bool {
	if job == nil {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Pending reports how many jobs are waiting for a worker.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

func (p *Pool) WorkerCount() int {
	return p.workerCount
}

// Start launches the workers. They exit when ctx is cancelled; queued jobs not yet picked
// up are abandoned.
func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			if ctx.Err() != nil {
				return
			}
			job(ctx)
		}
	}
}
