package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kizuna/internal/model"
)

// SaveBudget upserts a domain's budget including its running spend.
func (db *DB) SaveBudget(ctx context.Context, b model.InstanceBudget) error {
	return db.exec(ctx, "save budget",
		`INSERT INTO instance_budgets
		 (domain, monthly_budget_usd, current_spend_usd, alert_threshold, auto_limit, period, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (domain) DO UPDATE SET
		   monthly_budget_usd = EXCLUDED.monthly_budget_usd,
		   current_spend_usd = EXCLUDED.current_spend_usd,
		   alert_threshold = EXCLUDED.alert_threshold,
		   auto_limit = EXCLUDED.auto_limit,
		   period = EXCLUDED.period,
		   updated_at = EXCLUDED.updated_at`,
		b.Domain, b.MonthlyBudgetUSD, b.CurrentSpendUSD, b.AlertThreshold, b.AutoLimit, b.Period, b.UpdatedAt,
	)
}

// LoadBudgets returns every stored budget ordered by domain.
func (db *DB) LoadBudgets(ctx context.Context) ([]model.InstanceBudget, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT domain, monthly_budget_usd, current_spend_usd, alert_threshold, auto_limit, period, updated_at
		 FROM instance_budgets ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("storage: load budgets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.InstanceBudget, error) {
		var b model.InstanceBudget
		err := row.Scan(&b.Domain, &b.MonthlyBudgetUSD, &b.CurrentSpendUSD, &b.AlertThreshold,
			&b.AutoLimit, &b.Period, &b.UpdatedAt)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan budgets: %w", err)
	}
	return out, nil
}
