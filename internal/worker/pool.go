// Package worker runs keyed jobs on a fixed number of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work. It must honour ctx.
type Job func(ctx context.Context) error

type task struct {
	key string
	fn  Job
}

// Pool executes jobs with bounded parallelism and a bounded queue. A key
// that is already queued or running is not queued again, so a slow remote
// never accumulates a backlog of checks.
type Pool struct {
	size    int
	timeout time.Duration
	logger  *slog.Logger
	queue   chan task

	mu      sync.Mutex
	pending map[string]struct{}

	done     atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

// New creates a Pool of size workers with a queue of queueSize. timeout,
// when positive, bounds each job.
func New(size, queueSize int, timeout time.Duration, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = size
	}
	return &Pool{
		size:    size,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan task, queueSize),
		pending: make(map[string]struct{}),
	}
}

// Submit queues fn under key. It returns false when the key is already
// pending or the queue is full.
func (p *Pool) Submit(key string, fn Job) bool {
	p.mu.Lock()
	if _, ok := p.pending[key]; ok {
		p.mu.Unlock()
		p.rejected.Add(1)
		return false
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- task{key: key, fn: fn}:
		return true
	default:
		p.release(key)
		p.rejected.Add(1)
		return false
	}
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// Run starts the workers and blocks until ctx is cancelled and the workers
// have finished their current job. Queued jobs are abandoned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range p.size {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t := <-p.queue:
					p.exec(gctx, t)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) exec(ctx context.Context, t task) {
	defer p.release(t.key)
	jctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("worker: job panicked", "key", t.key, "panic", r)
		}
	}()
	if err := t.fn(jctx); err != nil {
		p.failed.Add(1)
		p.logger.Debug("worker: job failed", "key", t.key, "error", err)
		return
	}
	p.done.Add(1)
}

// Pending returns the number of queued or running jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Stats returns completed, failed and rejected job counts.
func (p *Pool) Stats() (done, failed, rejected int64) {
	return p.done.Load(), p.failed.Load(), p.rejected.Load()
}
