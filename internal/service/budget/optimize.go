package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/service/costmeter"
	"github.com/ashita-ai/kizuna/internal/service/domainstate"
)

// Optimize scans domains whose month-to-date cost exceeds thresholdUSD and
// proposes one action per matching optimisation rule, ranked by projected
// monthly savings. With execute set, the top MaxActions are applied.
func (e *Enforcer) Optimize(ctx context.Context, thresholdUSD float64, execute bool) (model.CostOptimizationResult, error) {
	if thresholdUSD < 0 || math.IsNaN(thresholdUSD) {
		return model.CostOptimizationResult{}, fmt.Errorf("budget: optimize: %w: threshold must be >= 0", model.ErrInvalidInput)
	}
	now := e.now().UTC()
	rules := make(map[string][]int)
	for i, r := range e.policy.Optimization.Rules {
		rules[r.Operation] = append(rules[r.Operation], i)
	}

	var actions []model.OptimizationAction
	for _, d := range e.costs.Domains() {
		mtd := e.costs.InstanceCost(d).MonthToDateUSD
		if mtd <= thresholdUSD || mtd <= 0 {
			continue
		}
		scale := costmeter.MonthlyProjection(mtd, now) / mtd
		domain := d
		b, err := e.costs.Breakdown(&domain, model.PeriodMonth)
		if err != nil {
			return model.CostOptimizationResult{}, fmt.Errorf("budget: optimize %s: %w", d, err)
		}
		for _, line := range b.Breakdown {
			for _, i := range rules[line.Operation] {
				r := e.policy.Optimization.Rules[i]
				savings := line.Cost * scale * r.Reduction
				if savings <= 0 {
					continue
				}
				actions = append(actions, model.OptimizationAction{
					Domain:    d,
					Action:    r.Action,
					Operation: line.Operation,
					Description: fmt.Sprintf("%s %s on %s (-%.0f%% of $%.2f projected)",
						actionVerb(r.Action), line.Operation, d, r.Reduction*100, line.Cost*scale),
					SavingsUSD: savings,
				})
			}
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].SavingsUSD != actions[j].SavingsUSD {
			return actions[i].SavingsUSD > actions[j].SavingsUSD
		}
		if actions[i].Domain != actions[j].Domain {
			return actions[i].Domain < actions[j].Domain
		}
		return actions[i].Operation < actions[j].Operation
	})

	result := model.CostOptimizationResult{Actions: actions}
	if result.Actions == nil {
		result.Actions = []model.OptimizationAction{}
	}
	if !execute {
		return result, nil
	}
	for i := range result.Actions {
		if i >= e.policy.Optimization.MaxActions {
			break
		}
		a := &result.Actions[i]
		ruleReduction := 0.0
		for _, idx := range rules[a.Operation] {
			if e.policy.Optimization.Rules[idx].Action == a.Action {
				ruleReduction = e.policy.Optimization.Rules[idx].Reduction
				break
			}
		}
		if err := e.applyAction(ctx, *a, ruleReduction); err != nil {
			e.logger.Warn("budget: optimisation action failed", "domain", a.Domain, "action", a.Action, "error", err)
			continue
		}
		a.Applied = true
		result.Optimized = true
		result.SavedMonthlyUSD += a.SavingsUSD
	}
	return result, nil
}

// applyAction tightens the domain's federation limit for the action and
// moves it from ACTIVE to LIMITED. Without an active limit the configured
// baseline fills the unset fields, so a new limit never starts at zero.
func (e *Enforcer) applyAction(ctx context.Context, a model.OptimizationAction, reduction float64) error {
	st, err := e.states.Touch(ctx, a.Domain)
	if err != nil {
		return err
	}
	var limit model.FederationLimit
	if st.Limits != nil {
		limit = *st.Limits
	}
	if !limit.Active {
		b := e.policy.Optimization.Baseline
		if limit.RequestsPerMinute <= 0 {
			limit.RequestsPerMinute = b.RequestsPerMinute
		}
		if limit.IngressLimitMB <= 0 {
			limit.IngressLimitMB = b.IngressLimitMB
		}
		if limit.EgressLimitMB <= 0 {
			limit.EgressLimitMB = b.EgressLimitMB
		}
	}
	keep := 1 - reduction
	switch a.Action {
	case model.ActionThrottleIngress:
		if limit.IngressLimitMB > 0 {
			limit.IngressLimitMB *= keep
		}
	case model.ActionThrottleEgress:
		if limit.EgressLimitMB > 0 {
			limit.EgressLimitMB *= keep
		}
	case model.ActionReduceRetries, model.ActionReduceRequests:
		if limit.RequestsPerMinute > 0 {
			limit.RequestsPerMinute = max(1, int(float64(limit.RequestsPerMinute)*keep))
		}
	case model.ActionLimit, model.ActionPause, model.ActionBlock, model.ActionMonitor,
		model.ActionIncreaseBudget, model.ActionAttemptReconnect:
	}
	limit.Active = true
	if _, err := e.states.SetLimit(ctx, a.Domain, limit); err != nil {
		return err
	}
	reason := "cost optimisation: " + a.Description
	if a.Action == model.ActionPause {
		_, err = e.states.Pause(ctx, a.Domain, domainstate.Change{Reason: reason, Trigger: model.TriggerBudget})
	} else {
		_, err = e.states.Limit(ctx, a.Domain, domainstate.Change{Reason: reason, Trigger: model.TriggerBudget})
	}
	if errors.Is(err, model.ErrInvalidTransition) {
		return nil
	}
	return err
}

func actionVerb(a model.RecommendationAction) string {
	switch a {
	case model.ActionThrottleIngress:
		return "throttle ingress for"
	case model.ActionThrottleEgress:
		return "throttle egress for"
	case model.ActionReduceRetries:
		return "reduce retries for"
	case model.ActionReduceRequests:
		return "reduce request rate for"
	case model.ActionPause:
		return "pause"
	case model.ActionLimit:
		return "limit"
	case model.ActionBlock, model.ActionMonitor, model.ActionIncreaseBudget, model.ActionAttemptReconnect:
		return "review"
	default:
		return "review"
	}
}
