// Package remote bounds outbound calls to each remote instance. Every remote
// domain gets a weighted semaphore capping concurrent calls and a token
// bucket pacing their rate, so a fan-out against one instance cannot
// overwhelm it.
package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type slot struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64
}

// Gate hands out per-remote call slots.
type Gate struct {
	concurrency int64
	limit       rate.Limit
	burst       int

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a Gate allowing concurrency simultaneous calls and
// callsPerSecond sustained calls per remote. callsPerSecond <= 0 disables
// pacing.
func New(concurrency int, callsPerSecond float64) *Gate {
	if concurrency < 1 {
		concurrency = 1
	}
	g := &Gate{
		concurrency: int64(concurrency),
		limit:       rate.Inf,
		burst:       concurrency,
		slots:       make(map[string]*slot),
	}
	if callsPerSecond > 0 {
		g.limit = rate.Limit(callsPerSecond)
		g.burst = max(1, int(callsPerSecond))
	}
	return g
}

func (g *Gate) slot(remote string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[remote]
	if !ok {
		s = &slot{
			sem:     semaphore.NewWeighted(g.concurrency),
			limiter: rate.NewLimiter(g.limit, g.burst),
		}
		g.slots[remote] = s
	}
	return s
}

// Acquire blocks until a call to remote may start. The returned release
// must be called exactly once when the call finishes.
func (g *Gate) Acquire(ctx context.Context, remote string) (func(), error) {
	s := g.slot(remote)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("remote: acquire %s: %w", remote, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.sem.Release(1)
		return nil, fmt.Errorf("remote: pace %s: %w", remote, err)
	}
	s.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.inFlight.Add(-1)
			s.sem.Release(1)
		})
	}, nil
}

// Do runs fn inside a slot for remote.
func (g *Gate) Do(ctx context.Context, remote string, fn func(context.Context) error) error {
	release, err := g.Acquire(ctx, remote)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// InFlight returns the number of calls currently holding a slot for remote.
func (g *Gate) InFlight(remote string) int {
	g.mu.Lock()
	s, ok := g.slots[remote]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	return int(s.inFlight.Load())
}
