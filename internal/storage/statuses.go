package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kizuna/internal/model"
)

// SaveStatus upserts a domain's status. A stale write (lower version than
// the stored row) is ignored so out-of-order journal writes cannot regress
// the replayed state.
func (db *DB) SaveStatus(ctx context.Context, s model.FederationManagementStatus) error {
	var limits []byte
	if s.Limits != nil {
		b, err := json.Marshal(s.Limits)
		if err != nil {
			return fmt.Errorf("storage: marshal limits: %w", err)
		}
		limits = b
	}
	metrics, err := json.Marshal(s.Metrics)
	if err != nil {
		return fmt.Errorf("storage: marshal metrics: %w", err)
	}
	return db.exec(ctx, "save status",
		`INSERT INTO federation_statuses
		 (domain, state, limits, metrics, paused_until, reason, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (domain) DO UPDATE SET
		   state = EXCLUDED.state,
		   limits = EXCLUDED.limits,
		   metrics = EXCLUDED.metrics,
		   paused_until = EXCLUDED.paused_until,
		   reason = EXCLUDED.reason,
		   version = EXCLUDED.version,
		   updated_at = EXCLUDED.updated_at
		 WHERE federation_statuses.version <= EXCLUDED.version`,
		s.Domain, string(s.State), limits, metrics, s.PausedUntil, s.Reason, s.Version, s.CreatedAt, s.UpdatedAt,
	)
}

const statusColumns = `domain, state, limits, metrics, paused_until, reason, version, created_at, updated_at`

// LoadStatuses returns every stored status ordered by domain.
func (db *DB) LoadStatuses(ctx context.Context) ([]model.FederationManagementStatus, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+statusColumns+` FROM federation_statuses ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("storage: load statuses: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FederationManagementStatus, error) {
		return scanStatus(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan statuses: %w", err)
	}
	return out, nil
}

// GetStatus returns one stored status or ErrNotFound.
func (db *DB) GetStatus(ctx context.Context, domain string) (model.FederationManagementStatus, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+statusColumns+` FROM federation_statuses WHERE domain = $1`, domain)
	s, err := scanStatus(row)
	if err != nil {
		return model.FederationManagementStatus{}, fmt.Errorf("storage: get status %s: %w", domain, notFound(err))
	}
	return s, nil
}

func scanStatus(row pgx.Row) (model.FederationManagementStatus, error) {
	var (
		s       model.FederationManagementStatus
		state   string
		limits  []byte
		metrics []byte
	)
	if err := row.Scan(&s.Domain, &state, &limits, &metrics, &s.PausedUntil, &s.Reason,
		&s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.State = model.FederationState(state)
	if len(limits) > 0 {
		var l model.FederationLimit
		if err := json.Unmarshal(limits, &l); err != nil {
			return s, fmt.Errorf("decode limits for %s: %w", s.Domain, err)
		}
		s.Limits = &l
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &s.Metrics); err != nil {
			return s, fmt.Errorf("decode metrics for %s: %w", s.Domain, err)
		}
	}
	return s, nil
}

// AppendTransition records one state change. Duplicate IDs are ignored.
func (db *DB) AppendTransition(ctx context.Context, t model.StateTransition) error {
	return db.exec(ctx, "append transition",
		`INSERT INTO state_transitions (id, domain, from_state, to_state, reason, trigger, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Domain, string(t.From), string(t.To), t.Reason, string(t.Trigger), t.At,
	)
}

// LoadTransitions returns up to perDomain of the most recent transitions for
// every domain, oldest first.
func (db *DB) LoadTransitions(ctx context.Context, perDomain int) ([]model.StateTransition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, domain, from_state, to_state, reason, trigger, at FROM (
		   SELECT *, row_number() OVER (PARTITION BY domain ORDER BY at DESC, id DESC) AS rn
		   FROM state_transitions
		 ) t WHERE rn <= $1
		 ORDER BY at ASC, id ASC`, perDomain)
	if err != nil {
		return nil, fmt.Errorf("storage: load transitions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StateTransition, error) {
		var (
			t                 model.StateTransition
			from, to, trigger string
		)
		err := row.Scan(&t.ID, &t.Domain, &from, &to, &t.Reason, &trigger, &t.At)
		t.From = model.FederationState(from)
		t.To = model.FederationState(to)
		t.Trigger = model.TransitionTrigger(trigger)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan transitions: %w", err)
	}
	return out, nil
}
