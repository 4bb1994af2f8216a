package federation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kizuna/internal/telemetry"
)

type engineMetrics struct {
	admissions metric.Int64Counter
	probes     metric.Int64Counter
}

// newEngineMetrics registers the engine's instruments on the global meter.
// Component counters are exported through observable callbacks so the
// service packages stay free of telemetry imports.
func newEngineMetrics(e *Engine) *engineMetrics {
	meter := telemetry.Meter("kizuna/federation")
	m := &engineMetrics{}
	m.admissions, _ = meter.Int64Counter("kizuna.delivery.admissions",
		metric.WithDescription("Delivery admission decisions"))
	m.probes, _ = meter.Int64Counter("kizuna.health.probes",
		metric.WithDescription("Health probes by outcome"))

	observe := func(name, desc string, fn func() int64) {
		_, _ = meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(fn())
				return nil
			}),
		)
	}
	observe("kizuna.costs.recorded", "Cost entries accepted", func() int64 { r, _ := e.costs.Stats(); return r })
	observe("kizuna.costs.rejected", "Cost entries rejected", func() int64 { _, r := e.costs.Stats(); return r })
	observe("kizuna.budget.alerts", "Budget and cost alerts emitted", e.budgets.Alerts)
	observe("kizuna.state.transitions", "Committed federation state transitions", e.states.Transitions)
	observe("kizuna.severances.created", "Severed relationships recorded", e.severances.Created)
	observe("kizuna.reconnect.attempts", "Reconnection attempts", e.reconnect.Attempts)
	observe("kizuna.eventbus.dropped", "Bus events dropped by slow subscribers", e.bus.Dropped)

	_, _ = meter.Int64ObservableGauge("kizuna.domains",
		metric.WithDescription("Known remote domains"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.states.Len()))
			return nil
		}),
	)
	return m
}

func (m *engineMetrics) admission(ctx context.Context, allowed bool) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("allowed", allowed)))
}

func (m *engineMetrics) probe(ctx context.Context, reachable bool) {
	if m == nil || m.probes == nil {
		return
	}
	m.probes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reachable", reachable)))
}
