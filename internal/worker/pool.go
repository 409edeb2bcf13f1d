package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Runner performs one delivery attempt for a claimed delivery ID.
type Runner interface {
	Attempt(ctx context.Context, id string) error
}

// Pool manages a fixed number of worker goroutines that process claimed
// deliveries. The pool size is the hard cap on concurrent outbound calls.
type Pool struct {
	numWorkers int
	jobs       chan string
	runner     Runner
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, runner Runner, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan string, numWorkers*2),
		runner:     runner,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.numWorkers
}

// TrySubmit queues a delivery ID without blocking. A false return means the
// pool is saturated or stopped; the caller leaves the row for the next
// scheduler pass, where the expired lease makes it claimable again.
func (p *Pool) TrySubmit(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.jobs <- id:
		return true
	default:
		return false
	}
}

// Stop closes the jobs channel and waits for all workers to finish. Submits
// arriving after Stop are refused rather than racing the close.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for id := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			if err := p.runner.Attempt(ctx, id); err != nil {
				p.logger.Error("delivery attempt errored", "delivery_id", id, "error", err)
			}
		}
	}
}
