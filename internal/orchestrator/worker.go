package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"mr-review-orchestrator/internal/metrics"
	"mr-review-orchestrator/internal/types"
)

// Job is one unit of review work executed by the pool.
type Job func(ctx context.Context)

// WorkerPool executes review jobs on a fixed set of workers over a
// bounded queue. Submit never blocks: a full queue is backpressure the
// producer has to see.
type WorkerPool struct {
	queue   chan Job
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:   make(chan Job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	slog.Info("starting worker pool", "workers", p.workers, "queue_size", cap(p.queue))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes the queue, drains queued jobs, and waits for in-flight
// work to finish.
func (p *WorkerPool) Stop() {
	slog.Info("stopping worker pool...")
	close(p.queue)
	p.wg.Wait()
	p.cancel()
	slog.Info("worker pool stopped")
}

// Submit enqueues a job without blocking. Returns types.ErrQueueFull
// when the queue is saturated.
func (p *WorkerPool) Submit(job Job) error {
	select {
	case p.queue <- job:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return types.ErrQueueFull
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in review worker", "worker_id", id, "panic", r)
				}
			}()
			job(p.ctx)
		}()
	}
}
