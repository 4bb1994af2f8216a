package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kizuna/internal/ctxutil"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/service/domainstate"
)

// PauseFederation pauses delivery to domain, optionally until a deadline.
func (e *Engine) PauseFederation(ctx context.Context, domain, reason string, until *time.Time) (model.FederationManagementStatus, error) {
	st, err := e.states.Pause(ctx, domain, domainstate.Change{
		Reason:  operatorReason(ctx, reason),
		Trigger: model.TriggerOperator,
		Until:   until,
	})
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	return e.decorate(st), nil
}

// ResumeFederation resumes a PAUSED or LIMITED domain.
func (e *Engine) ResumeFederation(ctx context.Context, domain string) (model.FederationManagementStatus, error) {
	st, err := e.states.Resume(ctx, domain, domainstate.Change{
		Reason:  operatorReason(ctx, "resumed"),
		Trigger: model.TriggerOperator,
	})
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	return e.decorate(st), nil
}

// SetFederationLimit replaces the domain's limit. A limit carrying a
// monthly budget also sets the domain's InstanceBudget to that amount.
func (e *Engine) SetFederationLimit(ctx context.Context, domain string, req model.SetLimitRequest) (model.FederationManagementStatus, error) {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	limit := model.FederationLimit{
		IngressLimitMB:    req.IngressLimitMB,
		EgressLimitMB:     req.EgressLimitMB,
		RequestsPerMinute: req.RequestsPerMinute,
		MonthlyBudgetUSD:  req.MonthlyBudgetUSD,
		Active:            active,
	}
	st, err := e.states.SetLimit(ctx, domain, limit)
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	if req.MonthlyBudgetUSD != nil {
		if _, err := e.budgets.Set(ctx, st.Domain, *req.MonthlyBudgetUSD, nil, nil); err != nil {
			return model.FederationManagementStatus{}, fmt.Errorf("federation: budget from limit: %w", err)
		}
	}
	e.logger.Info("federation: limit set", "domain", st.Domain, "rpm", limit.RequestsPerMinute,
		"active", limit.Active, "actor", ctxutil.Actor(ctx))
	return e.decorate(st), nil
}

// SetInstanceBudget creates or updates a domain's monthly budget.
func (e *Engine) SetInstanceBudget(ctx context.Context, domain string, monthlyUSD float64, autoLimit *bool, threshold *float64) (model.InstanceBudget, error) {
	b, err := e.budgets.Set(ctx, domain, monthlyUSD, autoLimit, threshold)
	if err != nil {
		return model.InstanceBudget{}, err
	}
	e.logger.Info("federation: budget set", "domain", b.Domain, "monthly_usd", b.MonthlyBudgetUSD,
		"auto_limit", b.AutoLimit, "actor", ctxutil.Actor(ctx))
	return b, nil
}

// OptimizeFederationCosts proposes, and when execute is set applies,
// cost-reduction actions for domains projected above thresholdUSD.
func (e *Engine) OptimizeFederationCosts(ctx context.Context, thresholdUSD float64, execute bool) (model.CostOptimizationResult, error) {
	return e.budgets.Optimize(ctx, thresholdUSD, execute)
}

// AcknowledgeSeverance marks a severance as seen by an operator.
func (e *Engine) AcknowledgeSeverance(ctx context.Context, id string) (model.AcknowledgePayload, error) {
	s, err := e.severances.Acknowledge(ctx, id)
	if err != nil {
		return model.AcknowledgePayload{}, err
	}
	return model.AcknowledgePayload{Success: true, SeveredRelationship: s}, nil
}

// AttemptReconnection restores the follow edges of a severance. It is
// refused while the remote domain is BLOCKED: restored follows would carry
// no traffic and would outlive the block.
func (e *Engine) AttemptReconnection(ctx context.Context, id string) (model.ReconnectionPayload, error) {
	sev, err := e.severances.Get(id)
	if err != nil {
		return model.ReconnectionPayload{}, err
	}
	if !sev.Reversible {
		return model.ReconnectionPayload{}, fmt.Errorf("federation: reconnect %s (%s): %w", id, sev.Reason, model.ErrNotReversible)
	}
	if st, err := e.states.Get(ctx, sev.RemoteInstance); err == nil && st.State == model.StateBlocked {
		return model.ReconnectionPayload{}, fmt.Errorf("federation: reconnect %s: %w: %s is BLOCKED, unblock it first",
			id, model.ErrInvalidTransition, sev.RemoteInstance)
	}
	return e.reconnect.Attempt(ctx, id)
}

// BlockFederation blocks domain and records the severance the block
// causes. A policy violation makes the severance non-reversible.
func (e *Engine) BlockFederation(ctx context.Context, domain string, req model.BlockRequest) (model.BlockPayload, error) {
	reason := model.ReasonDomainBlock
	if req.PolicyViolation {
		reason = model.ReasonPolicyViolation
	}
	return e.block(ctx, domain, req.Reason, reason, req.Details)
}

// Defederate blocks domain and records a DEFEDERATION severance.
func (e *Engine) Defederate(ctx context.Context, domain string, req model.BlockRequest) (model.BlockPayload, error) {
	reason := model.ReasonDefederation
	if req.PolicyViolation {
		reason = model.ReasonPolicyViolation
	}
	return e.block(ctx, domain, req.Reason, reason, req.Details)
}

func (e *Engine) block(ctx context.Context, domain, why string, reason model.SeveranceReason, details *string) (model.BlockPayload, error) {
	st, err := e.states.Block(ctx, domain, domainstate.Change{
		Reason:  operatorReason(ctx, why),
		Trigger: model.TriggerPolicy,
	})
	if err != nil {
		return model.BlockPayload{}, err
	}
	out := model.BlockPayload{Status: e.decorate(st)}
	if details == nil && why != "" {
		details = &why
	}
	sev, err := e.severances.Trigger(ctx, st.Domain, reason, details)
	if err != nil {
		// The block stands; the severance can be re-triggered by blocking again.
		e.logger.Error("federation: severance on block failed", "domain", st.Domain, "reason", reason, "error", err)
		return out, fmt.Errorf("federation: record severance for %s: %w", st.Domain, err)
	}
	out.Severance = &sev
	return out, nil
}

// UnblockFederation returns a BLOCKED domain to ACTIVE. Unblocking a
// domain that is already ACTIVE returns it unchanged.
func (e *Engine) UnblockFederation(ctx context.Context, domain string) (model.FederationManagementStatus, error) {
	st, err := e.states.Unblock(ctx, domain, domainstate.Change{
		Reason:  operatorReason(ctx, "unblocked"),
		Trigger: model.TriggerPolicy,
	})
	if err != nil {
		return model.FederationManagementStatus{}, err
	}
	return e.decorate(st), nil
}

// RecordCost meters one cost entry and feeds the budget enforcer. It is
// never gated by the domain's state or limits.
func (e *Engine) RecordCost(ctx context.Context, req model.RecordCostRequest) (model.CostUpdate, error) {
	domain, err := model.NormalizeDomain(req.Domain)
	if err != nil {
		return model.CostUpdate{}, err
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	u, err := e.costs.Record(ctx, domain, req.Operation, req.Cost, count)
	if err != nil {
		return model.CostUpdate{}, err
	}
	if _, err := e.states.Touch(ctx, domain); err != nil {
		e.logger.Warn("federation: register domain", "domain", domain, "error", err)
	}
	e.budgets.OnCost(ctx, u)
	return u, nil
}

// ReportHealth scores a health sample and reacts to the result: OFFLINE
// moves the domain to ERROR, HEALTHY recovers it, and a sustained outage
// records an INSTANCE_DOWN severance.
func (e *Engine) ReportHealth(ctx context.Context, sample model.HealthSample) (model.InstanceHealthReport, error) {
	report, err := e.health.Observe(sample)
	if err != nil {
		return model.InstanceHealthReport{}, err
	}
	if _, err := e.states.Touch(ctx, report.Domain); err != nil {
		return report, err
	}
	if err := e.react(ctx, report); err != nil {
		e.logger.Warn("federation: health reaction", "domain", report.Domain, "status", report.Status, "error", err)
	}
	if _, _, err := e.severances.OnHealth(ctx, report); err != nil {
		e.logger.Error("federation: severance detection", "domain", report.Domain, "error", err)
	}
	return report, nil
}

// react applies the state change implied by a health report. The change is
// conditional on the version read here; a concurrent transition is
// re-evaluated once.
func (e *Engine) react(ctx context.Context, report model.InstanceHealthReport) error {
	err := e.reactOnce(ctx, report)
	if errors.Is(err, model.ErrConflict) {
		err = e.reactOnce(ctx, report)
	}
	return err
}

func (e *Engine) reactOnce(ctx context.Context, report model.InstanceHealthReport) error {
	st, err := e.states.Get(ctx, report.Domain)
	if err != nil {
		return err
	}
	change := domainstate.Change{Trigger: model.TriggerHealth, ExpectedVersion: st.Version}
	switch {
	case report.Status == model.HealthOffline && (st.State == model.StateActive || st.State == model.StateLimited):
		change.Reason = fmt.Sprintf("offline after %d failed contacts", report.Metrics.ConsecutiveFailures)
		_, err = e.states.MarkError(ctx, report.Domain, change)
	case report.Status == model.HealthHealthy && st.State == model.StateError:
		change.Reason = "healthy again"
		_, err = e.states.Recover(ctx, report.Domain, change)
	default:
		return nil
	}
	return err
}

func operatorReason(ctx context.Context, reason string) string {
	actor := ctxutil.Actor(ctx)
	if reason == "" {
		return actor
	}
	return reason + " (" + actor + ")"
}
