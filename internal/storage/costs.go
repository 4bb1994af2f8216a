package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kizuna/internal/model"
)

// AppendCostItem records one cost entry. Replays of the same ID are ignored.
func (db *DB) AppendCostItem(ctx context.Context, item model.CostItem) error {
	return db.exec(ctx, "append cost item",
		`INSERT INTO cost_items (id, domain, operation, cost, count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Domain, item.Operation, item.Cost, item.Count, item.RecordedAt,
	)
}

// LoadCostItems returns cost entries recorded at or after since, oldest first.
func (db *DB) LoadCostItems(ctx context.Context, since time.Time) ([]model.CostItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, domain, operation, cost, count, recorded_at
		 FROM cost_items WHERE recorded_at >= $1
		 ORDER BY recorded_at ASC, id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: load cost items: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CostItem, error) {
		var c model.CostItem
		err := row.Scan(&c.ID, &c.Domain, &c.Operation, &c.Cost, &c.Count, &c.RecordedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan cost items: %w", err)
	}
	return out, nil
}

// PruneCostItems deletes entries recorded before cutoff and returns how many went.
func (db *DB) PruneCostItems(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM cost_items WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: prune cost items: %w", err)
	}
	return tag.RowsAffected(), nil
}
