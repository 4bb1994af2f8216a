package federation

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kizuna/internal/model"
)

const pruneInterval = time.Hour

// Run drives the periodic work until ctx is cancelled: health probes on the
// worker pool, budget sweeps, pause-expiry sweeps and meter pruning.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(ctx) })
	if e.prober != nil {
		g.Go(func() error {
			return every(ctx, e.cfg.HealthCheckInterval, e.scheduleProbes)
		})
	}
	g.Go(func() error {
		return every(ctx, e.cfg.BudgetSweepInterval, e.budgets.Sweep)
	})
	g.Go(func() error {
		return every(ctx, e.cfg.ExpirySweepInterval, func(ctx context.Context) {
			if resumed := e.states.SweepExpired(ctx); len(resumed) > 0 {
				e.logger.Info("federation: pauses expired", "domains", resumed)
			}
		})
	})
	g.Go(func() error {
		return every(ctx, pruneInterval, func(context.Context) {
			if n := e.costs.Prune(); n > 0 {
				e.logger.Debug("federation: pruned cost buckets", "buckets", n)
			}
		})
	})
	e.logger.Info("federation: scheduler started",
		"health_interval", e.cfg.HealthCheckInterval, "workers", e.cfg.Workers, "probing", e.prober != nil)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

// scheduleProbes queues one probe per known domain. BLOCKED domains are
// skipped; a domain whose previous probe is still queued or running is not
// queued twice.
func (e *Engine) scheduleProbes(ctx context.Context) {
	queued := 0
	for _, st := range e.states.List(ctx) {
		if st.State == model.StateBlocked {
			continue
		}
		d := st.Domain
		if e.pool.Submit("probe:"+d, func(ctx context.Context) error {
			_, err := e.probeOnce(ctx, d)
			return err
		}) {
			queued++
		}
	}
	e.logger.Debug("federation: probes queued", "count", queued, "pending", e.pool.Pending())
}

// probeOnce contacts domain and ingests the result. A probe only measures
// reachability and latency, so the delivery-sourced metrics of the previous
// report are carried forward.
func (e *Engine) probeOnce(ctx context.Context, domain string) (model.InstanceHealthReport, error) {
	release, err := e.gate.Acquire(ctx, domain)
	if err != nil {
		return model.InstanceHealthReport{}, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	sample, perr := e.prober.Probe(probeCtx, domain)
	cancel()
	release()

	if perr != nil {
		e.logger.Debug("federation: probe failed", "domain", domain, "error", perr)
		sample.Reachable = false
	}
	sample.Domain = domain
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = e.now()
	}
	if prev, ok := e.health.Report(domain); ok && sample.Reachable {
		sample.ErrorRate = prev.Metrics.ErrorRate
		sample.QueueDepth = prev.Metrics.QueueDepth
		sample.FederationDelayMS = prev.Metrics.FederationDelayMS
	}
	e.metrics.probe(ctx, sample.Reachable)
	return e.ReportHealth(ctx, sample)
}
