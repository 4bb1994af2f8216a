// Package budget compares metered spend against per-domain monthly budgets,
// emits budget and cost alerts, degrades federation (LIMITED, then PAUSED)
// for budgets with autoLimit, and proposes cost optimisations.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kizuna/internal/config"
	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/service/costmeter"
	"github.com/ashita-ai/kizuna/internal/service/domainstate"
)

// States is the part of the DomainStateStore the enforcer drives.
type States interface {
	Touch(ctx context.Context, domain string) (model.FederationManagementStatus, error)
	Limit(ctx context.Context, domain string, c domainstate.Change) (model.FederationManagementStatus, error)
	Pause(ctx context.Context, domain string, c domainstate.Change) (model.FederationManagementStatus, error)
	SetLimit(ctx context.Context, domain string, limit model.FederationLimit) (model.FederationManagementStatus, error)
}

// Costs is the part of the CostMeter the enforcer reads.
type Costs interface {
	InstanceCost(domain string) model.InstanceCost
	Breakdown(domain *string, period model.CostPeriod) (model.CostBreakdown, error)
	Domains() []string
}

// Journal persists budgets. Optional.
type Journal interface {
	SaveBudget(ctx context.Context, b model.InstanceBudget) error
}

// Publisher receives alert events.
type Publisher interface {
	Publish(e eventbus.Event)
}

type entry struct {
	mu     sync.Mutex
	budget model.InstanceBudget
	// level is the highest alert level emitted in the current period while
	// usage stayed at or above the threshold.
	level model.AlertLevel
	// costAlerted is the billing period in which a CostAlert was emitted.
	costAlerted string
}

// Enforcer is the BudgetEnforcer.
type Enforcer struct {
	states  States
	costs   Costs
	pub     Publisher
	journal Journal
	policy  config.Policy
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	alerts atomic.Int64
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithJournal persists budget changes.
func WithJournal(j Journal) Option { return func(e *Enforcer) { e.journal = j } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Enforcer) { e.now = now } }

// New creates an Enforcer.
func New(states States, costs Costs, pub Publisher, policy config.Policy, logger *slog.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		states:  states,
		costs:   costs,
		pub:     pub,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Restore seeds budgets loaded from storage. Alerts already implied by a
// restored budget in the current period are treated as emitted.
func (e *Enforcer) Restore(budgets []model.InstanceBudget) {
	now := e.now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range budgets {
		en := &entry{budget: b}
		if b.Period == model.BillingPeriod(now) {
			en.level = restoredLevel(b)
			if b.MonthlyBudgetUSD > 0 && costmeter.MonthlyProjection(b.CurrentSpendUSD, now) > b.MonthlyBudgetUSD {
				en.costAlerted = b.Period
			}
		}
		e.entries[b.Domain] = en
	}
}

func restoredLevel(b model.InstanceBudget) model.AlertLevel {
	pct := b.PercentUsed()
	if pct < b.AlertThreshold || (b.MonthlyBudgetUSD <= 0 && b.CurrentSpendUSD <= 0) {
		return model.AlertNone
	}
	return model.AlertLevelFor(pct)
}

func (e *Enforcer) lookup(domain string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.entries[domain]
	return en, ok
}

// Set creates or updates a domain's budget and evaluates it immediately.
// Thresholds default to the policy's default alert threshold.
func (e *Enforcer) Set(ctx context.Context, domain string, monthlyUSD float64, autoLimit *bool, threshold *float64) (model.InstanceBudget, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.InstanceBudget{}, err
	}
	if monthlyUSD < 0 {
		return model.InstanceBudget{}, fmt.Errorf("budget: set %s: %w: monthly_budget_usd must be >= 0", d, model.ErrInvalidInput)
	}
	if threshold != nil && (*threshold < 0 || *threshold > 1) {
		return model.InstanceBudget{}, fmt.Errorf("budget: set %s: %w: alert_threshold must be within [0, 1]", d, model.ErrInvalidInput)
	}
	now := e.now().UTC()

	// A new entry is locked before it becomes visible so OnCost never
	// evaluates it half-initialised.
	e.mu.Lock()
	en, ok := e.entries[d]
	if !ok {
		en = &entry{budget: model.InstanceBudget{
			Domain:          d,
			AlertThreshold:  e.policy.Budget.DefaultAlertThreshold,
			Period:          model.BillingPeriod(now),
			CurrentSpendUSD: e.costs.InstanceCost(d).MonthToDateUSD,
		}}
		en.mu.Lock()
		e.entries[d] = en
		e.mu.Unlock()
	} else {
		e.mu.Unlock()
		en.mu.Lock()
	}
	defer en.mu.Unlock()

	next := en.budget
	next.MonthlyBudgetUSD = monthlyUSD
	if autoLimit != nil {
		next.AutoLimit = *autoLimit
	}
	if threshold != nil {
		next.AlertThreshold = *threshold
	}
	next.UpdatedAt = now
	if e.journal != nil {
		if err := e.journal.SaveBudget(ctx, next); err != nil {
			if !ok {
				e.mu.Lock()
				delete(e.entries, d)
				e.mu.Unlock()
			}
			return model.InstanceBudget{}, fmt.Errorf("budget: save %s: %w", d, err)
		}
	}
	en.budget = next
	if _, err := e.states.Touch(ctx, d); err != nil {
		return model.InstanceBudget{}, err
	}
	e.rolloverLocked(ctx, en, now)
	e.evaluateLocked(ctx, en, costmeter.MonthlyProjection(en.budget.CurrentSpendUSD, now), now)
	return en.budget, nil
}

// Get returns the budget for domain.
func (e *Enforcer) Get(domain string) (model.InstanceBudget, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.InstanceBudget{}, err
	}
	en, ok := e.lookup(d)
	if !ok {
		return model.InstanceBudget{}, fmt.Errorf("budget: %s: %w", d, model.ErrNotFound)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	e.rolloverLocked(context.Background(), en, e.now().UTC())
	return en.budget, nil
}

// List returns budgets sorted by domain. With exceeded set, only budgets
// whose exceeded state matches are returned.
func (e *Enforcer) List(exceeded *bool) []model.InstanceBudget {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	now := e.now().UTC()
	out := make([]model.InstanceBudget, 0, len(entries))
	for _, en := range entries {
		en.mu.Lock()
		e.rolloverLocked(context.Background(), en, now)
		b := en.budget
		en.mu.Unlock()
		if exceeded == nil || b.Exceeded() == *exceeded {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// OnCost folds a recorded cost into the domain's budget. Spend follows the
// meter's month-to-date when the update carries one, so a cost already
// counted when the budget was created is not added twice.
func (e *Enforcer) OnCost(ctx context.Context, u model.CostUpdate) {
	en, ok := e.lookup(u.Domain)
	if !ok {
		return
	}
	now := u.At
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	en.mu.Lock()
	defer en.mu.Unlock()
	if model.BillingPeriod(now) < en.budget.Period {
		return
	}
	e.rolloverLocked(ctx, en, now)
	if u.MonthToDate > 0 {
		en.budget.CurrentSpendUSD = max(en.budget.CurrentSpendUSD, u.MonthToDate)
	} else {
		en.budget.CurrentSpendUSD += u.OperationCost
	}
	en.budget.UpdatedAt = now
	e.persistLocked(ctx, en)
	e.evaluateLocked(ctx, en, u.MonthlyProjection, now)
}

// Sweep reconciles every budget with the meter and re-evaluates it. It runs
// on the periodic budget tick and performs month rollover.
func (e *Enforcer) Sweep(ctx context.Context) {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	now := e.now().UTC()
	for _, en := range entries {
		if ctx.Err() != nil {
			return
		}
		en.mu.Lock()
		e.rolloverLocked(ctx, en, now)
		mtd := e.costs.InstanceCost(en.budget.Domain).MonthToDateUSD
		if mtd > en.budget.CurrentSpendUSD {
			en.budget.CurrentSpendUSD = mtd
			en.budget.UpdatedAt = now
			e.persistLocked(ctx, en)
		}
		e.evaluateLocked(ctx, en, costmeter.MonthlyProjection(en.budget.CurrentSpendUSD, now), now)
		en.mu.Unlock()
	}
}

// rolloverLocked zeroes spend and re-arms alerts when the billing period
// has changed.
func (e *Enforcer) rolloverLocked(ctx context.Context, en *entry, now time.Time) {
	period := model.BillingPeriod(now)
	if en.budget.Period == period {
		return
	}
	e.logger.Info("budget: period rollover", "domain", en.budget.Domain,
		"from", en.budget.Period, "to", period, "spent", en.budget.CurrentSpendUSD)
	en.budget.Period = period
	en.budget.CurrentSpendUSD = 0
	en.budget.UpdatedAt = now
	en.level = model.AlertNone
	en.costAlerted = ""
	e.persistLocked(ctx, en)
}

func (e *Enforcer) persistLocked(ctx context.Context, en *entry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveBudget(ctx, en.budget); err != nil {
		e.logger.Error("budget: save failed", "domain", en.budget.Domain, "error", err)
	}
}

func (e *Enforcer) evaluateLocked(ctx context.Context, en *entry, projection float64, now time.Time) {
	b := en.budget
	pct := b.PercentUsed()

	if b.MonthlyBudgetUSD > 0 && projection > b.MonthlyBudgetUSD && en.costAlerted != b.Period {
		en.costAlerted = b.Period
		e.publishCostAlert(b, projection, now)
	}

	if pct < b.AlertThreshold || (b.MonthlyBudgetUSD <= 0 && b.CurrentSpendUSD <= 0) {
		en.level = model.AlertNone
		return
	}
	level := model.AlertLevelFor(pct)
	if level.Rank() <= en.level.Rank() {
		return
	}
	en.level = level
	e.publishBudgetAlert(b, level, pct, now)

	if !b.AutoLimit {
		return
	}
	if pct >= 1.0 {
		e.degrade(ctx, b.Domain, model.StatePaused,
			fmt.Sprintf("monthly budget exhausted (%.0f%% of $%.2f)", pct*100, b.MonthlyBudgetUSD))
		return
	}
	e.degrade(ctx, b.Domain, model.StateLimited,
		fmt.Sprintf("budget alert threshold reached (%.0f%% of $%.2f)", pct*100, b.MonthlyBudgetUSD))
}

// degrade moves a domain to LIMITED or PAUSED. The change is conditional on
// the version read first; a concurrent change is retried once.
func (e *Enforcer) degrade(ctx context.Context, domain string, to model.FederationState, reason string) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var st model.FederationManagementStatus
		st, err = e.states.Touch(ctx, domain)
		if err != nil {
			break
		}
		c := domainstate.Change{Reason: reason, Trigger: model.TriggerBudget, ExpectedVersion: st.Version}
		if to == model.StatePaused {
			_, err = e.states.Pause(ctx, domain, c)
		} else {
			_, err = e.states.Limit(ctx, domain, c)
		}
		if !errors.Is(err, model.ErrConflict) {
			break
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInvalidTransition):
		e.logger.Debug("budget: degrade skipped", "domain", domain, "to", to, "error", err)
	default:
		e.logger.Warn("budget: degrade failed", "domain", domain, "to", to, "error", err)
	}
}

func (e *Enforcer) publishBudgetAlert(b model.InstanceBudget, level model.AlertLevel, pct float64, now time.Time) {
	e.alerts.Add(1)
	alert := model.BudgetAlert{
		ID:               uuid.NewString(),
		Domain:           b.Domain,
		AlertLevel:       level,
		PercentUsed:      pct,
		CurrentSpendUSD:  b.CurrentSpendUSD,
		MonthlyBudgetUSD: b.MonthlyBudgetUSD,
		Message: fmt.Sprintf("%s has used %.1f%% of its $%.2f monthly budget",
			b.Domain, pct*100, b.MonthlyBudgetUSD),
		Recommendation: recommendationFor(b, level),
		At:             now,
	}
	e.logger.Info("budget: alert", "domain", b.Domain, "level", level, "percent_used", pct)
	if e.pub != nil {
		e.pub.Publish(eventbus.Event{Topic: eventbus.TopicBudgetAlert, Domain: b.Domain, At: now, Payload: alert})
	}
}

func (e *Enforcer) publishCostAlert(b model.InstanceBudget, projection float64, now time.Time) {
	e.alerts.Add(1)
	alert := model.CostAlert{
		ID:           uuid.NewString(),
		Domain:       b.Domain,
		CurrentUSD:   b.CurrentSpendUSD,
		ProjectedUSD: projection,
		BudgetUSD:    b.MonthlyBudgetUSD,
		Message: fmt.Sprintf("%s is projected to spend $%.2f against a $%.2f budget",
			b.Domain, projection, b.MonthlyBudgetUSD),
		At: now,
	}
	if e.pub != nil {
		e.pub.Publish(eventbus.Event{Topic: eventbus.TopicCostAlert, Domain: b.Domain, At: now, Payload: alert})
	}
}

func recommendationFor(b model.InstanceBudget, level model.AlertLevel) *model.FederationRecommendation {
	r := &model.FederationRecommendation{Domain: b.Domain}
	switch level {
	case model.AlertCritical:
		if b.AutoLimit {
			r.Action, r.Priority = model.ActionIncreaseBudget, model.SeverityCritical
			r.Reason = "federation paused until the budget is raised or the period rolls over"
		} else {
			r.Action, r.Priority = model.ActionPause, model.SeverityCritical
			r.Reason = "budget exhausted and autoLimit is off"
		}
	case model.AlertWarning:
		r.Action, r.Priority = model.ActionLimit, model.SeverityHigh
		r.Reason = "budget nearly exhausted"
	case model.AlertInfo, model.AlertNone:
		r.Action, r.Priority = model.ActionMonitor, model.SeverityLow
		r.Reason = "budget alert threshold reached"
	}
	return r
}

// Alerts returns the number of budget and cost alerts emitted.
func (e *Enforcer) Alerts() int64 { return e.alerts.Load() }
