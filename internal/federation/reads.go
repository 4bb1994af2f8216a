package federation

import (
	"context"
	"fmt"

	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/service/severance"
)

// defaultHistoryLimit bounds federationHistory when the caller passes no limit.
const defaultHistoryLimit = 50

// FederationStatus returns a domain's status with live health and cost
// metrics filled in.
func (e *Engine) FederationStatus(ctx context.Context, domain string) (model.FederationManagementStatus, error) {
	st, err := e.states.Get(ctx, domain)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	return e.decorate(st), nil
}

// FederationStatuses returns every known domain's status, sorted by domain.
func (e *Engine) FederationStatuses(ctx context.Context) []model.FederationManagementStatus {
	list := e.states.List(ctx)
	for i := range list {
		list[i] = e.decorate(list[i])
	}
	return list
}

// decorate copies the scorer's and meter's current view into the status
// metrics. The stored status is not modified.
func (e *Engine) decorate(st model.FederationManagementStatus) model.FederationManagementStatus {
	if r, ok := e.health.Report(st.Domain); ok {
		status := string(r.Status)
		score := r.Metrics.Score
		checked := r.LastChecked
		st.Metrics.HealthStatus = &status
		st.Metrics.HealthScore = &score
		st.Metrics.LastContactAt = &checked
	}
	st.Metrics.MonthToDateUSD = e.costs.InstanceCost(st.Domain).MonthToDateUSD
	return st
}

// FederationHealth returns health reports, optionally only those scoring at
// or below threshold.
func (e *Engine) FederationHealth(threshold *float64) ([]model.InstanceHealthReport, error) {
	if threshold != nil && (*threshold < 0 || *threshold > 1) {
		return nil, fmt.Errorf("federation: %w: threshold must be within [0, 1]", model.ErrInvalidInput)
	}
	return e.health.Reports(threshold), nil
}

// InstanceHealthReport returns the latest report for domain. A domain never
// checked is probed on demand; concurrent callers share one probe.
func (e *Engine) InstanceHealthReport(ctx context.Context, domain string) (model.InstanceHealthReport, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.InstanceHealthReport{}, err
	}
	if r, ok := e.health.Report(d); ok {
		return r, nil
	}
	if e.prober == nil {
		return model.InstanceHealthReport{}, fmt.Errorf("federation: health %s: %w", d, model.ErrNotFound)
	}
	// Joined callers share one probe; it ignores the first caller's
	// cancellation and is bounded by the probe timeout.
	ch := e.probes.DoChan(d, func() (any, error) {
		return e.probeOnce(context.WithoutCancel(ctx), d)
	})
	select {
	case <-ctx.Done():
		return model.InstanceHealthReport{}, fmt.Errorf("federation: health %s: %w", d, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.InstanceHealthReport{}, res.Err
		}
		return res.Val.(model.InstanceHealthReport), nil
	}
}

// FederationLimits returns the configured limits, for one domain or all.
func (e *Engine) FederationLimits(ctx context.Context, domain *string) ([]model.DomainLimit, error) {
	var statuses []model.FederationManagementStatus
	if domain != nil {
		st, err := e.states.Get(ctx, *domain)
		if err != nil {
			return nil, err
		}
		statuses = []model.FederationManagementStatus{st}
	} else {
		statuses = e.states.List(ctx)
	}
	out := make([]model.DomainLimit, 0, len(statuses))
	for _, st := range statuses {
		if st.Limits == nil {
			continue
		}
		out = append(out, model.DomainLimit{Domain: st.Domain, State: st.State, Limit: *st.Limits})
	}
	return out, nil
}

// InstanceBudgets lists budgets, optionally filtered on whether they are exceeded.
func (e *Engine) InstanceBudgets(exceeded *bool) []model.InstanceBudget {
	return e.budgets.List(exceeded)
}

// InstanceBudget returns one domain's budget.
func (e *Engine) InstanceBudget(domain string) (model.InstanceBudget, error) {
	return e.budgets.Get(domain)
}

// SeveredRelationships pages through severances, newest first.
func (e *Engine) SeveredRelationships(instance *string, openOnly bool, page model.Page) ([]model.SeveredRelationship, model.PageInfo, error) {
	return e.severances.List(severance.ListFilter{Instance: instance, OpenOnly: openOnly}, page)
}

// SeveredRelationship returns one severance by id.
func (e *Engine) SeveredRelationship(id string) (model.SeveredRelationship, error) {
	return e.severances.Get(id)
}

// CostBreakdown returns per-operation costs for the current bucket of period.
func (e *Engine) CostBreakdown(domain *string, period model.CostPeriod) (model.CostBreakdown, error) {
	if period == "" {
		period = model.PeriodMonth
	}
	return e.costs.Breakdown(domain, period)
}

// CostProjections projects every domain's spend to the end of period.
func (e *Engine) CostProjections(period model.CostPeriod) ([]model.CostProjection, error) {
	return e.costs.Projections(period)
}

// InstanceCost returns a domain's month-to-date spend.
func (e *Engine) InstanceCost(domain string) (model.InstanceCost, error) {
	d, err := model.NormalizeDomain(domain)
	if err != nil {
		return model.InstanceCost{}, err
	}
	return e.costs.InstanceCost(d), nil
}

// RecentCosts returns recently recorded cost items, newest first.
func (e *Engine) RecentCosts(domain string, limit int) []model.CostItem {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.costs.Recent(domain, limit)
}

// FederationHistory returns a domain's transitions, newest first.
func (e *Engine) FederationHistory(domain string, limit int) ([]model.StateTransition, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return e.states.History(domain, limit)
}
