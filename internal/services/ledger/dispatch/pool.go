package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/ledger/internal/platform/timeouts"
	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

var (
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")
	// ErrInterrupted marks a delivery cut short by the pool's context. It
	// does not count as an attempt.
	ErrInterrupted = errors.New("delivery interrupted")
)

// Job is one outbox entry to deliver. The outcome is sent on Reply, which
// must have room for it.
type Job struct {
	Entry storage.OutboxEntry
	Reply chan<- Outcome
}

// Outcome reports how a job went.
type Outcome struct {
	Entry storage.OutboxEntry
	Err   error
}

// Pool runs a fixed number of workers delivering jobs to a sink.
type Pool struct {
	workers int
	timeout time.Duration
	sink    Sink
	jobs    chan Job

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given number of workers. Each delivery is
// bounded by timeout, or timeouts.Delivery when zero.
func NewPool(workers int, sink Sink, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = timeouts.Delivery
	}
	return &Pool{
		workers: workers,
		timeout: timeout,
		sink:    sink,
		jobs:    make(chan Job, workers*2),
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.workers }

// Start launches the workers. They run until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues a job, blocking while every worker is busy.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the job queue and waits for workers to finish queued jobs.
// Callers must not Submit concurrently with Stop.
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
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		job.Reply <- Outcome{Entry: job.Entry, Err: p.deliver(ctx, job.Entry)}
	}
}

func (p *Pool) deliver(ctx context.Context, entry storage.OutboxEntry) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	deliverCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sink.Deliver(deliverCtx, entry.Event); err != nil {
		// A per-delivery timeout is a sink failure; cancellation of the pool
		// itself is not.
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		return err
	}
	return nil
}
