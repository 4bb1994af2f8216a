package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kizuna/internal/model"
)

// ErrOperatorExists is returned when an operator_id is already taken.
var ErrOperatorExists = errors.New("storage: operator already exists")

const operatorColumns = `id, operator_id, name, role, api_key_hash, created_at, updated_at`

// CreateOperator inserts a new operator.
func (db *DB) CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO operators (id, operator_id, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+operatorColumns,
		op.ID, op.OperatorID, op.Name, string(op.Role), op.APIKeyHash, op.CreatedAt, op.UpdatedAt,
	)
	created, err := scanOperator(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Operator{}, fmt.Errorf("storage: create operator %s: %w", op.OperatorID, ErrOperatorExists)
		}
		return model.Operator{}, fmt.Errorf("storage: create operator: %w", err)
	}
	return created, nil
}

// GetOperator returns an operator by operator_id or ErrNotFound.
func (db *DB) GetOperator(ctx context.Context, operatorID string) (model.Operator, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE operator_id = $1`, operatorID)
	op, err := scanOperator(row)
	if err != nil {
		return model.Operator{}, fmt.Errorf("storage: get operator: %w", notFound(err))
	}
	return op, nil
}

// ListOperators returns all operators ordered by operator_id.
func (db *DB) ListOperators(ctx context.Context) ([]model.Operator, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY operator_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list operators: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Operator, error) {
		return scanOperator(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan operators: %w", err)
	}
	return out, nil
}

// DeleteOperator removes an operator by operator_id.
func (db *DB) DeleteOperator(ctx context.Context, operatorID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM operators WHERE operator_id = $1`, operatorID)
	if err != nil {
		return fmt.Errorf("storage: delete operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delete operator %s: %w", operatorID, ErrNotFound)
	}
	return nil
}

func scanOperator(row pgx.Row) (model.Operator, error) {
	var (
		op   model.Operator
		role string
	)
	err := row.Scan(&op.ID, &op.OperatorID, &op.Name, &role, &op.APIKeyHash, &op.CreatedAt, &op.UpdatedAt)
	op.Role = model.OperatorRole(role)
	return op, err
}
