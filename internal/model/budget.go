package model

import (
	"fmt"
	"time"
)

// InstanceBudget is a monthly cost ceiling for one domain's federation
// traffic. CurrentSpendUSD never decreases within Period and is zeroed when
// the period rolls over.
type InstanceBudget struct {
	Domain           string    `json:"domain"`
	MonthlyBudgetUSD float64   `json:"monthly_budget_usd"`
	CurrentSpendUSD  float64   `json:"current_spend_usd"`
	AlertThreshold   float64   `json:"alert_threshold"`
	AutoLimit        bool      `json:"auto_limit"`
	Period           string    `json:"period"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PercentUsed returns spend as a fraction of the budget. A zero budget with
// any spend reports +1 per dollar so it always reads as exceeded.
func (b InstanceBudget) PercentUsed() float64 {
	if b.MonthlyBudgetUSD <= 0 {
		if b.CurrentSpendUSD > 0 {
			return 1 + b.CurrentSpendUSD
		}
		return 0
	}
	return b.CurrentSpendUSD / b.MonthlyBudgetUSD
}

// Exceeded reports whether spend has reached the budget.
func (b InstanceBudget) Exceeded() bool {
	return b.PercentUsed() >= 1.0
}

// Validate checks the budget amount and alert threshold ranges.
func (b InstanceBudget) Validate() error {
	if b.MonthlyBudgetUSD < 0 {
		return fmt.Errorf("%w: monthly_budget_usd must be >= 0", ErrInvalidInput)
	}
	if b.AlertThreshold < 0 || b.AlertThreshold > 1 {
		return fmt.Errorf("%w: alert_threshold must be within [0, 1]", ErrInvalidInput)
	}
	return nil
}

// AlertLevel grades a budget alert.
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Rank orders levels; AlertNone ranks lowest.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertInfo:
		return 1
	case AlertWarning:
		return 2
	case AlertCritical:
		return 3
	case AlertNone:
		return 0
	default:
		return 0
	}
}

// AlertLevelFor maps a usage fraction onto a level: INFO below 90%,
// WARNING from 90% up to 100%, CRITICAL at or above 100%.
func AlertLevelFor(percentUsed float64) AlertLevel {
	switch {
	case percentUsed >= 1.0:
		return AlertCritical
	case percentUsed >= 0.9:
		return AlertWarning
	default:
		return AlertInfo
	}
}

// BudgetAlert is published when usage crosses the alert threshold or rises
// to a higher alert level.
type BudgetAlert struct {
	ID               string                    `json:"id"`
	Domain           string                    `json:"domain"`
	AlertLevel       AlertLevel                `json:"alert_level"`
	PercentUsed      float64                   `json:"percent_used"`
	CurrentSpendUSD  float64                   `json:"current_spend_usd"`
	MonthlyBudgetUSD float64                   `json:"monthly_budget_usd"`
	Message          string                    `json:"message"`
	Recommendation   *FederationRecommendation `json:"recommendation,omitempty"`
	At               time.Time                 `json:"at"`
}

// OptimizationAction is one proposed cost reduction.
type OptimizationAction struct {
	Domain      string               `json:"domain"`
	Action      RecommendationAction `json:"action"`
	Operation   string               `json:"operation,omitempty"`
	Description string               `json:"description"`
	SavingsUSD  float64              `json:"savings_usd"`
	Applied     bool                 `json:"applied"`
}

// CostOptimizationResult is the outcome of optimizeFederationCosts.
type CostOptimizationResult struct {
	Optimized       bool                 `json:"optimized"`
	SavedMonthlyUSD float64              `json:"saved_monthly_usd"`
	Actions         []OptimizationAction `json:"actions"`
}
