// Package dispatch hands recorded jobs to runners without making the caller
// wait: in process through a bounded worker pool, or across processes
// through an AMQP queue.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned when the pool's backlog is at capacity.
	ErrQueueFull = eris.New("dispatch: queue full")
	// ErrClosed is returned when dispatching to a closed pool.
	ErrClosed = eris.New("dispatch: pool closed")
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, jobID string) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// Pool runs dispatched jobs on a bounded number of goroutines.
type Pool struct {
	runner  Runner
	workers int
	jobs    chan string

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	started atomic.Bool
	running atomic.Int64
}

// NewPool creates a pool running at most workers jobs at once with a backlog
// of queueSize. Call Start before dispatching.
func NewPool(runner Runner, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		jobs:    make(chan string, queueSize),
		done:    make(chan struct{}),
	}
}

// Start consumes the backlog until Close. Jobs run with ctx, so cancelling
// it interrupts running jobs.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)

		var g errgroup.Group
		g.SetLimit(p.workers)
		for id := range p.jobs {
			g.Go(func() error {
				p.runOne(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Dispatch queues jobID and returns immediately.
func (p *Pool) Dispatch(_ context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- jobID:
		return nil
	default:
		return eris.Wrapf(ErrQueueFull, "dispatch: job %s", jobID)
	}
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Close stops accepting jobs and waits for queued and running jobs to finish
// or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	if !p.started.Load() {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "dispatch: close")
	}
}

func (p *Pool) runOne(ctx context.Context, jobID string) {
	log := zap.L().With(zap.String("job_id", jobID))
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch: job panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := p.runner.Run(ctx, jobID); err != nil {
		log.Error("dispatch: job run failed", zap.Error(err))
	}
}
