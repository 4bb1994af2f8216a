// Package reconnect re-establishes follow edges broken by a severance.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kizuna/internal/model"
)

// SocialGraph is the external follow-graph service.
type SocialGraph interface {
	// SeveredEdges lists the follow edges between local and remote that the
	// severance broke.
	SeveredEdges(ctx context.Context, local, remote string) ([]model.FollowEdge, error)
	EdgeExists(ctx context.Context, e model.FollowEdge) (bool, error)
	Follow(ctx context.Context, e model.FollowEdge) error
}

// Severances is the subset of the severance detector used here.
type Severances interface {
	Get(id string) (model.SeveredRelationship, error)
	RecordOutcome(ctx context.Context, id string, out model.ReconnectionOutcome) (model.SeveredRelationship, error)
}

// Gate bounds concurrent calls to one remote instance.
type Gate interface {
	Acquire(ctx context.Context, remote string) (func(), error)
}

// FailureSignal receives a failed contact when a call to a remote times out.
type FailureSignal interface {
	RecordFailure(domain string, at time.Time) (model.InstanceHealthReport, error)
}

// Config bounds a reconnection attempt.
type Config struct {
	// Timeout applies to each edge.
	Timeout time.Duration
	// Concurrency caps edges processed at once.
	Concurrency int
}

// Coordinator is the ReconnectionCoordinator.
type Coordinator struct {
	cfg        Config
	graph      SocialGraph
	severances Severances
	gate       Gate
	signal     FailureSignal
	logger     *slog.Logger
	now        func() time.Time

	flight   singleflight.Group
	attempts atomic.Int64
}

// New creates a Coordinator. gate and signal may be nil.
func New(cfg Config, graph SocialGraph, severances Severances, gate Gate, signal FailureSignal, logger *slog.Logger) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		cfg:        cfg,
		graph:      graph,
		severances: severances,
		gate:       gate,
		signal:     signal,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides time.Now.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

type edgeResult int

const (
	edgeReconnected edgeResult = iota
	edgeSkipped
	edgeFailed
)

// Attempt tries to restore every edge of the severance once. Edges that
// already exist are skipped. Concurrent attempts for the same id share one
// run, which is detached from any single caller's cancellation and bounded
// by the per-edge timeout instead. A caller that gives up gets ctx.Err().
func (c *Coordinator) Attempt(ctx context.Context, id string) (model.ReconnectionPayload, error) {
	ch := c.flight.DoChan(id, func() (any, error) {
		return c.attempt(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return model.ReconnectionPayload{}, fmt.Errorf("reconnect: %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.ReconnectionPayload{}, res.Err
		}
		p := res.Val.(model.ReconnectionPayload)
		p.Errors = append([]string(nil), p.Errors...)
		return p, nil
	}
}

func (c *Coordinator) attempt(ctx context.Context, id string) (model.ReconnectionPayload, error) {
	sev, err := c.severances.Get(id)
	if err != nil {
		return model.ReconnectionPayload{}, err
	}
	if !sev.Reversible {
		return model.ReconnectionPayload{}, fmt.Errorf("reconnect: %s (%s): %w", id, sev.Reason, model.ErrNotReversible)
	}

	edges, err := c.graph.SeveredEdges(ctx, sev.LocalInstance, sev.RemoteInstance)
	if err != nil {
		return model.ReconnectionPayload{}, fmt.Errorf("reconnect: list edges for %s: %w", id, err)
	}
	edges = dedupe(edges)
	c.attempts.Add(1)

	results := make([]edgeResult, len(edges))
	errs := make([]error, len(edges))
	var timedOut atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, e := range edges {
		g.Go(func() error {
			results[i], errs[i] = c.restore(gctx, sev.RemoteInstance, e)
			if errors.Is(errs[i], model.ErrTimeout) {
				timedOut.Store(true)
			}
			// Edge failures are collected, never returned: one bad edge
			// must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	at := c.now().UTC()
	payload := model.ReconnectionPayload{SeveredRelationshipID: id, Errors: []string{}}
	for i, r := range results {
		switch r {
		case edgeReconnected:
			payload.Reconnected++
		case edgeSkipped:
			payload.Skipped++
		case edgeFailed:
			payload.Failed++
			payload.Errors = append(payload.Errors, fmt.Sprintf("%s: %v", edges[i].Key(), errs[i]))
		}
	}
	payload.Success = payload.Failed == 0

	if timedOut.Load() && c.signal != nil {
		if _, err := c.signal.RecordFailure(sev.RemoteInstance, at); err != nil {
			c.logger.Warn("reconnect: timeout signal failed", "remote", sev.RemoteInstance, "error", err)
		}
	}

	out := model.ReconnectionOutcome{
		AttemptedAt: at,
		Reconnected: payload.Reconnected,
		Failed:      payload.Failed,
		Skipped:     payload.Skipped,
		Success:     payload.Success,
	}
	if _, err := c.severances.RecordOutcome(ctx, id, out); err != nil {
		return model.ReconnectionPayload{}, fmt.Errorf("reconnect: record outcome %s: %w", id, err)
	}

	c.logger.Info("reconnect: attempt finished",
		"severance_id", id,
		"remote", sev.RemoteInstance,
		"edges", len(edges),
		"reconnected", payload.Reconnected,
		"skipped", payload.Skipped,
		"failed", payload.Failed,
	)
	return payload, nil
}

func (c *Coordinator) restore(ctx context.Context, remote string, e model.FollowEdge) (edgeResult, error) {
	if err := ctx.Err(); err != nil {
		return edgeFailed, err
	}
	if c.gate != nil {
		release, err := c.gate.Acquire(ctx, remote)
		if err != nil {
			return edgeFailed, err
		}
		defer release()
	}

	ectx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	exists, err := c.graph.EdgeExists(ectx, e)
	if err != nil {
		return edgeFailed, classify(ctx, err)
	}
	if exists {
		return edgeSkipped, nil
	}
	if err := c.graph.Follow(ectx, e); err != nil {
		return edgeFailed, classify(ctx, err)
	}
	return edgeReconnected, nil
}

// classify maps a per-edge deadline to ErrTimeout. A cancelled parent is
// reported as is.
func classify(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	return err
}

func dedupe(edges []model.FollowEdge) []model.FollowEdge {
	seen := make(map[string]struct{}, len(edges))
	out := make([]model.FollowEdge, 0, len(edges))
	for _, e := range edges {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Attempts returns the number of attempts that reached the social graph.
func (c *Coordinator) Attempts() int64 { return c.attempts.Load() }
