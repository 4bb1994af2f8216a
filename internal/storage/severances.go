package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kizuna/internal/model"
)

// SaveSeverance upserts a severed relationship. Affected counts never
// shrink in storage, matching the detector's in-memory rule.
func (db *DB) SaveSeverance(ctx context.Context, s model.SeveredRelationship) error {
	var outcome []byte
	if s.LastReconnection != nil {
		b, err := json.Marshal(s.LastReconnection)
		if err != nil {
			return fmt.Errorf("storage: marshal reconnection outcome: %w", err)
		}
		outcome = b
	}
	return db.exec(ctx, "save severance",
		`INSERT INTO severed_relationships
		 (id, local_instance, remote_instance, reason, affected_followers, affected_following,
		  reversible, ts, details, acknowledged, acknowledged_at, last_reconnection)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   affected_followers = GREATEST(severed_relationships.affected_followers, EXCLUDED.affected_followers),
		   affected_following = GREATEST(severed_relationships.affected_following, EXCLUDED.affected_following),
		   acknowledged = severed_relationships.acknowledged OR EXCLUDED.acknowledged,
		   acknowledged_at = COALESCE(severed_relationships.acknowledged_at, EXCLUDED.acknowledged_at),
		   last_reconnection = EXCLUDED.last_reconnection`,
		s.ID, s.LocalInstance, s.RemoteInstance, string(s.Reason), s.AffectedFollowers, s.AffectedFollowing,
		s.Reversible, s.Timestamp, s.Details, s.Acknowledged, s.AcknowledgedAt, outcome,
	)
}

// LoadSeverances returns every stored severance, newest first.
func (db *DB) LoadSeverances(ctx context.Context) ([]model.SeveredRelationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, local_instance, remote_instance, reason, affected_followers, affected_following,
		        reversible, ts, details, acknowledged, acknowledged_at, last_reconnection
		 FROM severed_relationships ORDER BY ts DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: load severances: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SeveredRelationship, error) {
		var (
			s       model.SeveredRelationship
			reason  string
			outcome []byte
		)
		if err := row.Scan(&s.ID, &s.LocalInstance, &s.RemoteInstance, &reason, &s.AffectedFollowers,
			&s.AffectedFollowing, &s.Reversible, &s.Timestamp, &s.Details, &s.Acknowledged,
			&s.AcknowledgedAt, &outcome); err != nil {
			return s, err
		}
		s.Reason = model.SeveranceReason(reason)
		if len(outcome) > 0 {
			var o model.ReconnectionOutcome
			if err := json.Unmarshal(outcome, &o); err != nil {
				return s, fmt.Errorf("decode reconnection outcome for %s: %w", s.ID, err)
			}
			s.LastReconnection = &o
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan severances: %w", err)
	}
	return out, nil
}
