// Package federation wires the federation management components into one
// Engine: operator writes, reads, health ingestion, delivery admission and
// the background scheduler all go through it.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kizuna/internal/config"
	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/ratelimit"
	"github.com/ashita-ai/kizuna/internal/remote"
	"github.com/ashita-ai/kizuna/internal/service/budget"
	"github.com/ashita-ai/kizuna/internal/service/costmeter"
	"github.com/ashita-ai/kizuna/internal/service/domainstate"
	"github.com/ashita-ai/kizuna/internal/service/health"
	"github.com/ashita-ai/kizuna/internal/service/reconnect"
	"github.com/ashita-ai/kizuna/internal/service/severance"
	"github.com/ashita-ai/kizuna/internal/worker"
)

// transitionHistory is how many transitions per domain are replayed at startup.
const transitionHistory = 256

// Journal is the write side of the storage layer.
type Journal interface {
	domainstate.Journal
	budget.Journal
	costmeter.Journal
	severance.Journal
}

// Loader is the read side of the storage layer used by Restore.
type Loader interface {
	LoadStatuses(ctx context.Context) ([]model.FederationManagementStatus, error)
	LoadTransitions(ctx context.Context, perDomain int) ([]model.StateTransition, error)
	LoadBudgets(ctx context.Context) ([]model.InstanceBudget, error)
	LoadCostItems(ctx context.Context, since time.Time) ([]model.CostItem, error)
	LoadSeverances(ctx context.Context) ([]model.SeveredRelationship, error)
}

// Graph is the external social graph service.
type Graph interface {
	severance.GraphCounter
	reconnect.SocialGraph
}

// Prober contacts a remote instance once.
type Prober interface {
	Probe(ctx context.Context, domain string) (model.HealthSample, error)
}

// Deps are the collaborators of an Engine. Journal, Prober and Clock are
// optional; Window defaults to an in-process limiter.
type Deps struct {
	Config  config.Config
	Bus     *eventbus.Bus
	Journal Journal
	Graph   Graph
	Prober  Prober
	Window  *ratelimit.Window
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Engine is the federation management facade.
type Engine struct {
	cfg    config.Config
	bus    *eventbus.Bus
	prober Prober
	window *ratelimit.Window
	logger *slog.Logger
	now    func() time.Time

	states     *domainstate.Store
	health     *health.Scorer
	costs      *costmeter.Meter
	budgets    *budget.Enforcer
	severances *severance.Detector
	reconnect  *reconnect.Coordinator
	gate       *remote.Gate
	pool       *worker.Pool

	probes  singleflight.Group
	metrics *engineMetrics
}

// New builds an Engine. The config must already be validated.
func New(d Deps) (*Engine, error) {
	if d.Bus == nil {
		return nil, errors.New("federation: event bus is required")
	}
	if d.Graph == nil {
		return nil, errors.New("federation: social graph is required")
	}
	local, err := model.NormalizeDomain(d.Config.LocalInstance)
	if err != nil {
		return nil, fmt.Errorf("federation: local instance: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	window := d.Window
	if window == nil {
		window = ratelimit.NewWindow(nil, logger)
	}

	e := &Engine{
		cfg:    d.Config,
		bus:    d.Bus,
		prober: d.Prober,
		window: window,
		logger: logger,
		now:    now,
	}

	stateOpts := []domainstate.Option{domainstate.WithClock(now)}
	costOpts := []costmeter.Option{costmeter.WithClock(now)}
	budgetOpts := []budget.Option{budget.WithClock(now)}
	sevOpts := []severance.Option{severance.WithClock(now)}
	if d.Journal != nil {
		stateOpts = append(stateOpts, domainstate.WithJournal(d.Journal))
		costOpts = append(costOpts, costmeter.WithJournal(d.Journal))
		budgetOpts = append(budgetOpts, budget.WithJournal(d.Journal))
		sevOpts = append(sevOpts, severance.WithJournal(d.Journal))
	}

	e.states = domainstate.New(d.Bus, logger, stateOpts...)
	e.health = health.New(d.Config.Policy.Health, d.Bus, logger)
	e.health.SetClock(now)
	e.costs = costmeter.New(d.Bus, logger, costOpts...)
	e.budgets = budget.New(e.states, e.costs, d.Bus, d.Config.Policy, logger, budgetOpts...)
	e.severances = severance.New(local, d.Config.Policy.Severance.GraceChecks, d.Graph, logger, sevOpts...)
	e.gate = remote.New(d.Config.RemoteConcurrency, d.Config.RemoteCallsPerSecond)
	e.reconnect = reconnect.New(reconnect.Config{
		Timeout:     d.Config.ReconnectTimeout,
		Concurrency: d.Config.RemoteConcurrency,
	}, d.Graph, e.severances, e.gate, failureSignal{e}, logger)
	e.reconnect.SetClock(now)
	e.pool = worker.New(d.Config.Workers, d.Config.Workers*16, d.Config.ProbeTimeout*2, logger)
	e.metrics = newEngineMetrics(e)
	return e, nil
}

// Restore replays journaled state. Call it once, before serving.
func (e *Engine) Restore(ctx context.Context, l Loader) error {
	statuses, err := l.LoadStatuses(ctx)
	if err != nil {
		return fmt.Errorf("federation: restore statuses: %w", err)
	}
	transitions, err := l.LoadTransitions(ctx, transitionHistory)
	if err != nil {
		return fmt.Errorf("federation: restore transitions: %w", err)
	}
	budgets, err := l.LoadBudgets(ctx)
	if err != nil {
		return fmt.Errorf("federation: restore budgets: %w", err)
	}
	// Month buckets reach back one period; older items only feed hour/day
	// buckets that are already past retention.
	now := e.now().UTC()
	since := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	items, err := l.LoadCostItems(ctx, since)
	if err != nil {
		return fmt.Errorf("federation: restore cost items: %w", err)
	}
	sevs, err := l.LoadSeverances(ctx)
	if err != nil {
		return fmt.Errorf("federation: restore severances: %w", err)
	}

	e.states.Restore(statuses, transitions)
	e.costs.Load(items)
	e.budgets.Restore(budgets)
	e.severances.Restore(sevs)
	e.logger.Info("federation: state restored",
		"domains", len(statuses), "transitions", len(transitions), "budgets", len(budgets),
		"cost_items", len(items), "severances", len(sevs))
	return nil
}

// Bus returns the event bus the engine publishes to.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Domains returns the number of known domains.
func (e *Engine) Domains() int { return e.states.Len() }

// failureSignal routes timed-out remote calls into health ingestion, so a
// slow reconnection counts toward OFFLINE like a failed probe does.
type failureSignal struct{ e *Engine }

func (f failureSignal) RecordFailure(domain string, at time.Time) (model.InstanceHealthReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.e.ReportHealth(ctx, model.HealthSample{Domain: domain, Reachable: false, ObservedAt: at})
}
