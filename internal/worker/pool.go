package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work. It receives the pool's context.
type Task func(ctx context.Context)

// Pool manages a fixed number of worker goroutines fed through a channel.
type Pool struct {
	numWorkers int
	tasks      chan Task
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the task channel
// until it is closed by Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands a task to the pool, blocking while every worker is busy and
// the buffer is full. It fails if ctx ends first or the pool is stopped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Size() int { return p.numWorkers }

// Stop closes the task channel and waits for queued tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is a single goroutine that runs tasks from the channel.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.run(ctx, id, task)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "worker_id", id, "panic", r)
		}
	}()
	task(ctx)
}
