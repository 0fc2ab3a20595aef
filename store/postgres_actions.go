package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-fulfillment/flow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresActionStore keeps action records where every instance can see them, so a side
// effect is claimed once per (kind, ref) across the fleet.
type PostgresActionStore struct {
	pool *pgxpool.Pool
}

var _ flow.ActionStore = (*PostgresActionStore)(nil)

func NewPostgresActionStore(pool *pgxpool.Pool) *PostgresActionStore {
	return &PostgresActionStore{pool: pool}
}

func (s *PostgresActionStore) GetAction(ctx context.Context, kind, ref string) (*flow.ActionRecord, error) {
	var (
		rec             flow.ActionRecord
		status          string
		payload, result []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT kind, ref, order_id, status, payload, result, attempts, last_error, created_at, updated_at
		 FROM fulfillment_actions WHERE kind = $1 AND ref = $2`, kind, ref,
	).Scan(&rec.Kind, &rec.Ref, &rec.OrderID, &status, &payload, &result, &rec.Attempts,
		&rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	rec.Status = flow.ActionStatus(status)
	if len(payload) > 0 {
		rec.Payload = payload
	}
	if len(result) > 0 {
		rec.Result = result
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// ClaimAction inserts a pending record or reopens a failed one. Row counts decide the winner.
func (s *PostgresActionStore) ClaimAction(ctx context.Context, rec flow.ActionRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fulfillment_actions (kind, ref, order_id, status, payload, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (kind, ref) DO NOTHING`,
		rec.Kind, rec.Ref, rec.OrderID, string(flow.ActionPending), nullJSON(rec.Payload),
		rec.Attempts, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	tag, err = s.pool.Exec(ctx,
		`UPDATE fulfillment_actions SET status = $3, attempts = attempts + 1, updated_at = $4
		 WHERE kind = $1 AND ref = $2 AND status = $5`,
		rec.Kind, rec.Ref, string(flow.ActionPending), rec.UpdatedAt, string(flow.ActionFailed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reopen action: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresActionStore) PutAction(ctx context.Context, rec flow.ActionRecord) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO fulfillment_actions (kind, ref, order_id, status, payload, result, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (kind, ref) DO UPDATE SET status = EXCLUDED.status, result = EXCLUDED.result,
			attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		rec.Kind, rec.Ref, rec.OrderID, string(rec.Status), nullJSON(rec.Payload), nullJSON(rec.Result),
		rec.Attempts, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to put action: %w", err)
	}
	return nil
}

func nullJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
