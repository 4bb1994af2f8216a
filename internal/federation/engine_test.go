package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/config"
	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errAccountGone = errors.New("account no longer exists")

type fakeGraph struct {
	mu       sync.Mutex
	severed  []model.FollowEdge
	existing map[string]bool
	gone     map[string]bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{existing: make(map[string]bool), gone: make(map[string]bool)}
}

func (g *fakeGraph) CountEdges(context.Context, string, string) (int, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.severed), 2, nil
}

func (g *fakeGraph) SeveredEdges(context.Context, string, string) ([]model.FollowEdge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.FollowEdge(nil), g.severed...), nil
}

func (g *fakeGraph) EdgeExists(_ context.Context, e model.FollowEdge) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.existing[e.Key()], nil
}

func (g *fakeGraph) Follow(_ context.Context, e model.FollowEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone[e.Followee] {
		return errAccountGone
	}
	g.existing[e.Key()] = true
	return nil
}

type fakeProber struct {
	calls     atomic.Int64
	reachable atomic.Bool
}

func (p *fakeProber) Probe(_ context.Context, domain string) (model.HealthSample, error) {
	p.calls.Add(1)
	if !p.reachable.Load() {
		return model.HealthSample{Domain: domain}, errors.New("connection refused")
	}
	return model.HealthSample{Domain: domain, Reachable: true, ResponseTimeMS: 80}, nil
}

func testConfig() config.Config {
	p := config.DefaultPolicy()
	p.Health.TargetResponseMS = 500
	p.Health.CriticalAfter = 2
	p.Health.OfflineAfter = 5
	p.Severance.GraceChecks = 5
	return config.Config{
		LocalInstance:        "local.example",
		Workers:              2,
		HealthCheckInterval:  10 * time.Millisecond,
		BudgetSweepInterval:  time.Hour,
		ExpirySweepInterval:  time.Hour,
		ProbeTimeout:         200 * time.Millisecond,
		ReconnectTimeout:     time.Second,
		RemoteConcurrency:    2,
		RemoteCallsPerSecond: 1000,
		EventQueueSize:       64,
		Policy:               p,
	}
}

type harness struct {
	engine *Engine
	bus    *eventbus.Bus
	graph  *fakeGraph
	prober *fakeProber
	clock  *clock
}

func newHarness(t *testing.T, withProber bool) *harness {
	t.Helper()
	h := &harness{
		bus:   eventbus.New(64, testLogger()),
		graph: newFakeGraph(),
		clock: &clock{t: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)},
	}
	d := Deps{
		Config: testConfig(),
		Bus:    h.bus,
		Graph:  h.graph,
		Logger: testLogger(),
		Clock:  h.clock.now,
	}
	if withProber {
		h.prober = &fakeProber{}
		d.Prober = h.prober
	}
	e, err := New(d)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(h.bus.Close)
	return h
}

func ptr[T any](v T) *T { return &v }

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{Config: testConfig(), Graph: newFakeGraph()})
	require.Error(t, err)
	_, err = New(Deps{Config: testConfig(), Bus: eventbus.New(4, testLogger())})
	require.Error(t, err)

	cfg := testConfig()
	cfg.LocalInstance = ""
	_, err = New(Deps{Config: cfg, Bus: eventbus.New(4, testLogger()), Graph: newFakeGraph()})
	require.Error(t, err)
}

func TestBudgetExhaustionPausesDomain(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	alerts := h.bus.Subscribe(nil, eventbus.TopicBudgetAlert)

	_, err := h.engine.SetInstanceBudget(ctx, "spendy.example", 100, ptr(true), nil)
	require.NoError(t, err)

	u, err := h.engine.RecordCost(ctx, model.RecordCostRequest{Domain: "Spendy.Example", Operation: "inbox_delivery", Cost: 101})
	require.NoError(t, err)
	assert.Equal(t, "spendy.example", u.Domain)
	assert.InDelta(t, 101, u.MonthToDate, 1e-9)

	st, err := h.engine.FederationStatus(ctx, "spendy.example")
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, st.State)
	assert.InDelta(t, 101, st.Metrics.MonthToDateUSD, 1e-9)

	ev, ok := alerts.TryNext()
	require.True(t, ok, "expected a budget alert")
	alert, ok := ev.Payload.(model.BudgetAlert)
	require.True(t, ok)
	assert.Equal(t, model.AlertCritical, alert.AlertLevel)

	exceeded := h.engine.InstanceBudgets(ptr(true))
	require.Len(t, exceeded, 1)
	assert.Equal(t, "spendy.example", exceeded[0].Domain)

	hist, err := h.engine.FederationHistory("spendy.example", 0)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, model.TriggerBudget, hist[0].Trigger)
}

func TestSustainedOutageSeversAndRecovers(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.graph.severed = []model.FollowEdge{{Follower: "a@local.example", Followee: "b@down.example"}}

	var last model.InstanceHealthReport
	for i := 0; i < 5; i++ {
		h.clock.advance(time.Minute)
		r, err := h.engine.ReportHealth(ctx, model.HealthSample{Domain: "down.example", ObservedAt: h.clock.now()})
		require.NoError(t, err)
		last = r
	}
	assert.Equal(t, model.HealthOffline, last.Status)

	st, err := h.engine.FederationStatus(ctx, "down.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)

	sevs, _, err := h.engine.SeveredRelationships(ptr("down.example"), true, model.Page{})
	require.NoError(t, err)
	require.Len(t, sevs, 1)
	assert.Equal(t, model.ReasonInstanceDown, sevs[0].Reason)
	assert.True(t, sevs[0].Reversible)
	assert.Equal(t, 1, sevs[0].AffectedFollowers)

	// A sixth failure updates the open record instead of adding one.
	_, err = h.engine.ReportHealth(ctx, model.HealthSample{Domain: "down.example"})
	require.NoError(t, err)
	sevs, _, err = h.engine.SeveredRelationships(ptr("down.example"), false, model.Page{})
	require.NoError(t, err)
	assert.Len(t, sevs, 1)

	r, err := h.engine.ReportHealth(ctx, model.HealthSample{Domain: "down.example", Reachable: true, ResponseTimeMS: 50})
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, r.Status)
	st, err = h.engine.FederationStatus(ctx, "down.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
}

func TestPolicyBlockDuringOutageIsNotReversible(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.graph.severed = []model.FollowEdge{{Follower: "a@local.example", Followee: "b@down.example"}}

	for i := 0; i < 5; i++ {
		h.clock.advance(time.Minute)
		_, err := h.engine.ReportHealth(ctx, model.HealthSample{Domain: "down.example", ObservedAt: h.clock.now()})
		require.NoError(t, err)
	}
	sevs, _, err := h.engine.SeveredRelationships(ptr("down.example"), true, model.Page{})
	require.NoError(t, err)
	require.Len(t, sevs, 1)
	require.Equal(t, model.ReasonInstanceDown, sevs[0].Reason)

	out, err := h.engine.BlockFederation(ctx, "down.example", model.BlockRequest{Reason: "spam wave", PolicyViolation: true})
	require.NoError(t, err)
	require.NotNil(t, out.Severance)
	assert.Equal(t, sevs[0].ID, out.Severance.ID, "the open record is reused")
	assert.Equal(t, model.ReasonPolicyViolation, out.Severance.Reason)
	assert.False(t, out.Severance.Reversible)

	_, err = h.engine.AttemptReconnection(ctx, out.Severance.ID)
	require.ErrorIs(t, err, model.ErrNotReversible)
	assert.False(t, h.graph.existing[h.graph.severed[0].Key()], "no follow edge was restored")

	st, err := h.engine.FederationStatus(ctx, "down.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, st.State)
}

func TestZeroRPMDeniesDeliveryButNotCost(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.engine.SetFederationLimit(ctx, "quiet.example", model.SetLimitRequest{RequestsPerMinute: 0})
	require.NoError(t, err)

	dec, err := h.engine.AdmitDelivery(ctx, "quiet.example")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	require.NotNil(t, dec.Remaining)
	assert.Equal(t, 0, *dec.Remaining)

	_, err = h.engine.RecordCost(ctx, model.RecordCostRequest{Domain: "quiet.example", Operation: "media_fetch", Cost: 0.25})
	require.NoError(t, err)
	c, err := h.engine.InstanceCost("quiet.example")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, c.MonthToDateUSD, 1e-9)

	st, err := h.engine.FederationStatus(ctx, "quiet.example")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Metrics.DeliveriesRejected)
}

func TestOptimizedDomainStillAdmitsDelivery(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.engine.RecordCost(ctx, model.RecordCostRequest{Domain: "costly.example", Operation: "media_fetch", Cost: 50})
	require.NoError(t, err)

	res, err := h.engine.OptimizeFederationCosts(ctx, 10, true)
	require.NoError(t, err)
	require.True(t, res.Optimized)

	st, err := h.engine.FederationStatus(ctx, "costly.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateLimited, st.State)
	require.NotNil(t, st.Limits)
	assert.Positive(t, st.Limits.RequestsPerMinute)

	dec, err := h.engine.AdmitDelivery(ctx, "costly.example")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	require.NotNil(t, dec.Remaining)
	assert.Positive(t, *dec.Remaining)
}

func TestAdmissionFollowsState(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	dec, err := h.engine.AdmitDelivery(ctx, "open.example")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Nil(t, dec.Remaining)

	_, err = h.engine.SetFederationLimit(ctx, "open.example", model.SetLimitRequest{RequestsPerMinute: 2})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		dec, err = h.engine.AdmitDelivery(ctx, "open.example")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
	dec, err = h.engine.AdmitDelivery(ctx, "open.example")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	_, err = h.engine.PauseFederation(ctx, "other.example", "maintenance", nil)
	require.NoError(t, err)
	dec, err = h.engine.AdmitDelivery(ctx, "other.example")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "federation is PAUSED", dec.Reason)
}

func TestLimitWithBudgetSetsInstanceBudget(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	st, err := h.engine.SetFederationLimit(ctx, "capped.example", model.SetLimitRequest{
		RequestsPerMinute: 60,
		MonthlyBudgetUSD:  ptr(25.0),
	})
	require.NoError(t, err)
	require.NotNil(t, st.Limits)
	assert.True(t, st.Limits.Active)

	b, err := h.engine.InstanceBudget("capped.example")
	require.NoError(t, err)
	assert.InDelta(t, 25, b.MonthlyBudgetUSD, 1e-9)

	limits, err := h.engine.FederationLimits(ctx, nil)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, 60, limits[0].Limit.RequestsPerMinute)
}

func TestPauseIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.engine.PauseFederation(ctx, "p.example", "noisy", nil)
	require.NoError(t, err)
	second, err := h.engine.PauseFederation(ctx, "p.example", "noisy", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, second.State)
	assert.Equal(t, first.Version, second.Version)

	hist, err := h.engine.FederationHistory("p.example", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = h.engine.PauseFederation(ctx, "p.example", "", ptr(h.clock.now().Add(-time.Minute)))
	require.ErrorIs(t, err, model.ErrInvalidInput)

	st, err := h.engine.ResumeFederation(ctx, "p.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
}

func TestBlockRecordsSeverance(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		h.graph.severed = append(h.graph.severed, model.FollowEdge{
			Follower: fmt.Sprintf("user%d@local.example", i),
			Followee: fmt.Sprintf("acct%d@blocked.example", i),
		})
	}
	for i := 0; i < 3; i++ {
		h.graph.gone[fmt.Sprintf("acct%d@blocked.example", i)] = true
	}

	out, err := h.engine.BlockFederation(ctx, "blocked.example", model.BlockRequest{Reason: "spam wave"})
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, out.Status.State)
	require.NotNil(t, out.Severance)
	assert.Equal(t, model.ReasonDomainBlock, out.Severance.Reason)
	assert.True(t, out.Severance.Reversible)
	require.NotNil(t, out.Severance.Details)
	assert.Equal(t, "spam wave", *out.Severance.Details)

	dec, err := h.engine.AdmitDelivery(ctx, "blocked.example")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	_, err = h.engine.AttemptReconnection(ctx, out.Severance.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition, "no reconnection while BLOCKED")

	st, err := h.engine.UnblockFederation(ctx, "blocked.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)

	p, err := h.engine.AttemptReconnection(ctx, out.Severance.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, p.Reconnected)
	assert.Equal(t, 3, p.Failed)
	assert.False(t, p.Success)

	ack, err := h.engine.AcknowledgeSeverance(ctx, out.Severance.ID)
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.True(t, ack.SeveredRelationship.Acknowledged)

	st, err = h.engine.UnblockFederation(ctx, "blocked.example")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
}

func TestPolicyViolationIsNotReversible(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	out, err := h.engine.Defederate(ctx, "bad.example", model.BlockRequest{Reason: "harassment", PolicyViolation: true})
	require.NoError(t, err)
	require.NotNil(t, out.Severance)
	assert.Equal(t, model.ReasonPolicyViolation, out.Severance.Reason)
	assert.False(t, out.Severance.Reversible)

	_, err = h.engine.AttemptReconnection(ctx, out.Severance.ID)
	require.ErrorIs(t, err, model.ErrNotReversible)

	out, err = h.engine.Defederate(ctx, "meh.example", model.BlockRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonDefederation, out.Severance.Reason)
}

func TestReadValidation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.engine.FederationHealth(ptr(1.5))
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = h.engine.FederationStatus(ctx, "unknown.example")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.engine.InstanceHealthReport(ctx, "unknown.example")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.engine.RecordCost(ctx, model.RecordCostRequest{Domain: "x.example", Operation: "op", Cost: -1})
	require.ErrorIs(t, err, model.ErrInvalidCost)

	b, err := h.engine.CostBreakdown(nil, "")
	require.NoError(t, err)
	assert.Equal(t, model.PeriodMonth, b.Period)
}

func TestCostCountDefaultsToOne(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.engine.RecordCost(ctx, model.RecordCostRequest{Domain: "c.example", Operation: "inbox_delivery", Cost: 0.5})
	require.NoError(t, err)
	items := h.engine.RecentCosts("c.example", 0)
	require.Len(t, items, 1)
	assert.EqualValues(t, 1, items[0].Count)
}

type fakeLoader struct {
	statuses    []model.FederationManagementStatus
	transitions []model.StateTransition
	budgets     []model.InstanceBudget
	items       []model.CostItem
	severances  []model.SeveredRelationship
	since       time.Time
}

func (l *fakeLoader) LoadStatuses(context.Context) ([]model.FederationManagementStatus, error) {
	return l.statuses, nil
}

func (l *fakeLoader) LoadTransitions(context.Context, int) ([]model.StateTransition, error) {
	return l.transitions, nil
}

func (l *fakeLoader) LoadBudgets(context.Context) ([]model.InstanceBudget, error) {
	return l.budgets, nil
}

func (l *fakeLoader) LoadCostItems(_ context.Context, since time.Time) ([]model.CostItem, error) {
	l.since = since
	return l.items, nil
}

func (l *fakeLoader) LoadSeverances(context.Context) ([]model.SeveredRelationship, error) {
	return l.severances, nil
}

func TestRestore(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	now := h.clock.now()
	reason := "maintenance"

	l := &fakeLoader{
		statuses: []model.FederationManagementStatus{{
			Domain: "restored.example", State: model.StatePaused, Reason: &reason,
			Version: 3, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Minute),
		}},
		budgets: []model.InstanceBudget{{
			Domain: "restored.example", MonthlyBudgetUSD: 50, AlertThreshold: 0.8,
			Period: model.BillingPeriod(now), UpdatedAt: now.Add(-time.Hour),
		}},
		items: []model.CostItem{{
			ID: "item-1", Domain: "restored.example", Operation: "inbox_delivery",
			Cost: 4.5, Count: 3, RecordedAt: now.Add(-2 * time.Hour),
		}},
		severances: []model.SeveredRelationship{{
			ID: "sev-1", LocalInstance: "local.example", RemoteInstance: "restored.example",
			Reason: model.ReasonDomainBlock, Reversible: true, Timestamp: now.Add(-time.Hour),
		}},
	}
	require.NoError(t, h.engine.Restore(ctx, l))
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), l.since)

	st, err := h.engine.FederationStatus(ctx, "restored.example")
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, st.State)
	assert.EqualValues(t, 3, st.Version)
	assert.InDelta(t, 4.5, st.Metrics.MonthToDateUSD, 1e-9)
	assert.Equal(t, 1, h.engine.Domains())

	b, err := h.engine.InstanceBudget("restored.example")
	require.NoError(t, err)
	assert.InDelta(t, 50, b.MonthlyBudgetUSD, 1e-9)

	sev, err := h.engine.SeveredRelationship("sev-1")
	require.NoError(t, err)
	assert.Equal(t, "restored.example", sev.RemoteInstance)
}

func TestSchedulerProbesKnownDomains(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.engine.AdmitDelivery(ctx, "probed.example")
	require.NoError(t, err)
	_, err = h.engine.BlockFederation(ctx, "skipped.example", model.BlockRequest{Reason: "blocked"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := h.engine.FederationStatus(context.Background(), "probed.example")
		return err == nil && st.State == model.StateError
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := h.engine.health.Report("skipped.example")
	assert.False(t, ok, "blocked domains are not probed")

	h.prober.reachable.Store(true)
	require.Eventually(t, func() bool {
		st, err := h.engine.FederationStatus(context.Background(), "probed.example")
		return err == nil && st.State == model.StateActive
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOnDemandHealthReportProbesOnce(t *testing.T) {
	h := newHarness(t, true)
	h.prober.reachable.Store(true)
	ctx := context.Background()

	r, err := h.engine.InstanceHealthReport(ctx, "fresh.example")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, r.Status)
	assert.EqualValues(t, 1, h.prober.calls.Load())

	_, err = h.engine.InstanceHealthReport(ctx, "fresh.example")
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.prober.calls.Load(), "cached report is returned without probing")

	reports, err := h.engine.FederationHealth(nil)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}
