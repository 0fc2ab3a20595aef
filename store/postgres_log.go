package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-fulfillment/flow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEventLog is the durable flow.EventLog for multi-instance deployments.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

var _ flow.EventLog = (*PostgresEventLog)(nil)

func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

// Append checks the tail and inserts in one transaction. Two writers racing past the tail check
// collide on the (order_id, seq) key, reported as a sequence conflict.
func (l *PostgresEventLog) Append(ctx context.Context, orderID string, expectedSeq int, entries ...flow.LogEntry) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, errors.New("order id required")
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int
	if err := tx.QueryRow(ctx,
		`SELECT coalesce(max(seq), 0) FROM fulfillment_log WHERE order_id = $1`, orderID,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read log tail: %w", err)
	}
	if current != expectedSeq {
		return current, flow.SequenceConflict(orderID, expectedSeq, current)
	}

	batch := &pgx.Batch{}
	for i, e := range entries {
		e.OrderID = orderID
		e.Seq = expectedSeq + i + 1
		e.At = e.At.UTC()
		payload, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal log entry: %w", err)
		}
		batch.Queue(
			`INSERT INTO fulfillment_log (order_id, seq, kind, step, at, policy_version, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			orderID, e.Seq, string(e.Kind), string(e.Step), e.At, e.PolicyVersion, payload,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return 0, flow.SequenceConflict(orderID, expectedSeq, -1)
		}
		return 0, fmt.Errorf("failed to append log entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return 0, flow.SequenceConflict(orderID, expectedSeq, -1)
		}
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return expectedSeq + len(entries), nil
}

func (l *PostgresEventLog) Load(ctx context.Context, orderID string) ([]flow.LogEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT payload FROM fulfillment_log WHERE order_id = $1 ORDER BY seq`, strings.TrimSpace(orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to load log: %w", err)
	}
	defer rows.Close()
	var out []flow.LogEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e flow.LogEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresEventLog) Correlate(ctx context.Context, correlationID, orderID string) error {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO fulfillment_correlation (correlation_id, order_id, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (correlation_id) DO UPDATE SET order_id = $2, updated_at = NOW()`,
		correlationID, strings.TrimSpace(orderID),
	)
	if err != nil {
		return fmt.Errorf("failed to correlate %s: %w", correlationID, err)
	}
	return nil
}

func (l *PostgresEventLog) Resolve(ctx context.Context, correlationID string) (string, error) {
	var orderID string
	err := l.pool.QueryRow(ctx,
		`SELECT order_id FROM fulfillment_correlation WHERE correlation_id = $1`, strings.TrimSpace(correlationID),
	).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", flow.NotFound("correlation", correlationID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve correlation: %w", err)
	}
	return orderID, nil
}

func (l *PostgresEventLog) SetWake(ctx context.Context, orderID string, at time.Time) error {
	var err error
	if at.IsZero() {
		_, err = l.pool.Exec(ctx, `DELETE FROM fulfillment_wakes WHERE order_id = $1`, orderID)
	} else {
		_, err = l.pool.Exec(ctx,
			`INSERT INTO fulfillment_wakes (order_id, wake_at) VALUES ($1, $2)
			 ON CONFLICT (order_id) DO UPDATE SET wake_at = $2`,
			orderID, at.UTC(),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to set wake for %s: %w", orderID, err)
	}
	return nil
}

func (l *PostgresEventLog) DueWakes(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx,
		`SELECT order_id FROM fulfillment_wakes WHERE wake_at <= $1 ORDER BY wake_at, order_id LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due wakes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
