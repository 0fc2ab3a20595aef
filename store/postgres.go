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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PostgresDAO is the production flow.DAO.
type PostgresDAO struct {
	pool *pgxpool.Pool
}

var _ flow.DAO = (*PostgresDAO)(nil)

func NewPostgresDAO(pool *pgxpool.Pool) *PostgresDAO {
	return &PostgresDAO{pool: pool}
}

func (d *PostgresDAO) GetOrder(ctx context.Context, orderID string) (*flow.OrderRecord, error) {
	var payload []byte
	err := d.pool.QueryRow(ctx,
		`SELECT payload FROM fulfillment_orders WHERE order_id = $1`, orderID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flow.NotFound("order", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	var rec flow.OrderRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", orderID, err)
	}
	events, err := d.orderEvents(ctx, orderID)
	if err != nil {
		return nil, err
	}
	rec.Events = events
	return &rec, nil
}

func (d *PostgresDAO) orderEvents(ctx context.Context, orderID string) ([]flow.Event, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT ts, type, step, data FROM fulfillment_order_events WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	defer rows.Close()
	var out []flow.Event
	for rows.Next() {
		var (
			ev   flow.Event
			step string
			data []byte
		)
		if err := rows.Scan(&ev.Timestamp, &ev.Type, &step, &data); err != nil {
			return nil, err
		}
		ev.Step = flow.StepName(step)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CreateOrder inserts the order unless one exists; the stored row wins.
func (d *PostgresDAO) CreateOrder(ctx context.Context, rec flow.OrderRecord) (flow.OrderRecord, bool, error) {
	payload, err := orderPayload(rec)
	if err != nil {
		return flow.OrderRecord{}, false, err
	}
	tag, err := d.pool.Exec(ctx,
		`INSERT INTO fulfillment_orders (order_id, po_id, supplier_id, customer_id, status, amount, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (order_id) DO NOTHING`,
		rec.OrderID, rec.POID, rec.SupplierID, rec.CustomerID, string(rec.Status), rec.Amount, payload,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return flow.OrderRecord{}, false, fmt.Errorf("failed to create order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	stored, err := d.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return flow.OrderRecord{}, false, err
	}
	return *stored, false, nil
}

func (d *PostgresDAO) UpdateOrder(ctx context.Context, rec flow.OrderRecord) error {
	payload, err := orderPayload(rec)
	if err != nil {
		return err
	}
	tag, err := d.pool.Exec(ctx,
		`UPDATE fulfillment_orders SET status = $2, amount = $3, payload = $4, updated_at = $5 WHERE order_id = $1`,
		rec.OrderID, string(rec.Status), rec.Amount, payload, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flow.NotFound("order", rec.OrderID)
	}
	return nil
}

func (d *PostgresDAO) AppendEvent(ctx context.Context, orderID string, ev flow.Event) error {
	var data []byte
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO fulfillment_order_events (order_id, ts, type, step, data) VALUES ($1, $2, $3, $4, $5)`,
		orderID, ev.Timestamp, ev.Type, string(ev.Step), data,
	)
	if err != nil {
		return fmt.Errorf("failed to append order event: %w", err)
	}
	return nil
}

func (d *PostgresDAO) CustomerOrderCount(ctx context.Context, customerID string) (int, error) {
	if strings.TrimSpace(customerID) == "" {
		return 0, nil
	}
	var n int
	err := d.pool.QueryRow(ctx,
		`SELECT count(*) FROM fulfillment_orders WHERE customer_id = $1 AND status <> $2`,
		customerID, string(flow.OrderFailed),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count customer orders: %w", err)
	}
	return n, nil
}

// FindCluster prefers a city match over a city-less cluster of the same category.
func (d *PostgresDAO) FindCluster(ctx context.Context, q flow.ClusterQuery) (*flow.Cluster, error) {
	var c flow.Cluster
	err := d.pool.QueryRow(ctx,
		`SELECT cluster_id, category, city, band_min, band_max, supplier_ids, pooled_saving_pct, sla_risk_pct, pooled_orders
		 FROM fulfillment_clusters
		 WHERE lower(category) = lower($1) AND (city = '' OR lower(city) = lower($2))
		 ORDER BY (city = '') ASC, cluster_id
		 LIMIT 1`,
		q.Category, q.City,
	).Scan(&c.ClusterID, &c.Category, &c.City, &c.Band.Min, &c.Band.Max, &c.SupplierIDs,
		&c.PooledSavingPct, &c.SLARiskPct, &c.PooledOrders)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flow.NotFound("cluster", q.Category)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cluster: %w", err)
	}
	return &c, nil
}

func (d *PostgresDAO) SelectSuppliers(ctx context.Context, q flow.SupplierQuery) ([]flow.Supplier, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	exclude := q.Exclude
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := d.pool.Query(ctx,
		`SELECT s.supplier_id, s.name, s.chat_id, s.city, s.on_time_rate, s.qa_score, s.proximity, s.reliability
		 FROM fulfillment_suppliers s
		 JOIN fulfillment_clusters c ON s.supplier_id = ANY (c.supplier_ids)
		 WHERE c.cluster_id = $1 AND NOT (s.supplier_id = ANY ($2))
		 ORDER BY s.reliability DESC, s.supplier_id
		 LIMIT $3`,
		q.ClusterID, exclude, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select suppliers: %w", err)
	}
	defer rows.Close()
	var out []flow.Supplier
	for rows.Next() {
		var s flow.Supplier
		if err := rows.Scan(&s.SupplierID, &s.Name, &s.ChatID, &s.City, &s.OnTimeRate, &s.QAScore,
			&s.Proximity, &s.Reliability); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *PostgresDAO) SaveRFP(ctx context.Context, rfp flow.RFP) error {
	payload, err := json.Marshal(rfp)
	if err != nil {
		return fmt.Errorf("failed to marshal rfp: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO fulfillment_rfps (rfp_id, order_id, round, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (rfp_id) DO UPDATE SET payload = $4`,
		rfp.RFPID, rfp.OrderID, rfp.Round, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to save rfp %s: %w", rfp.RFPID, err)
	}
	return nil
}

func (d *PostgresDAO) FetchQuotes(ctx context.Context, rfpID string) ([]flow.Quote, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT payload FROM fulfillment_quotes WHERE rfp_id = $1 ORDER BY submitted_at, supplier_id`, rfpID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	defer rows.Close()
	var out []flow.Quote
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var q flow.Quote
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, fmt.Errorf("failed to decode quote: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SubmitQuote keeps a supplier's first quote per RFP.
func (d *PostgresDAO) SubmitQuote(ctx context.Context, q flow.Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO fulfillment_quotes (rfp_id, supplier_id, submitted_at, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (rfp_id, supplier_id) DO NOTHING`,
		q.RFPID, q.SupplierID, q.SubmittedAt, payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return flow.NotFound("rfp", q.RFPID)
		}
		return fmt.Errorf("failed to submit quote: %w", err)
	}
	return nil
}

// ReserveCapacity locks the supplier row so concurrent reservations for one ref settle once.
func (d *PostgresDAO) ReserveCapacity(ctx context.Context, supplierID string, qty float64, ref string) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var capacity float64
	err = tx.QueryRow(ctx,
		`SELECT capacity FROM fulfillment_suppliers WHERE supplier_id = $1 FOR UPDATE`, supplierID,
	).Scan(&capacity)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, flow.NotFound("supplier", supplierID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock supplier: %w", err)
	}

	var prior bool
	err = tx.QueryRow(ctx,
		`SELECT reserved FROM fulfillment_reservations WHERE supplier_id = $1 AND ref = $2`, supplierID, ref,
	).Scan(&prior)
	switch {
	case err == nil:
		return prior, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("failed to read reservation: %w", err)
	}

	reserved := capacity >= qty
	if reserved {
		if _, err := tx.Exec(ctx,
			`UPDATE fulfillment_suppliers SET capacity = capacity - $2 WHERE supplier_id = $1`, supplierID, qty,
		); err != nil {
			return false, fmt.Errorf("failed to decrement capacity: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO fulfillment_reservations (supplier_id, ref, quantity, reserved) VALUES ($1, $2, $3, $4)`,
		supplierID, ref, qty, reserved,
	); err != nil {
		return false, fmt.Errorf("failed to record reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return reserved, nil
}

// RecordOutcome applies a learning delta once per (order, supplier).
func (d *PostgresDAO) RecordOutcome(ctx context.Context, rec flow.LearnRecord) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin outcome: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO fulfillment_learn (order_id, supplier_id, delta, outcome, recorded_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (order_id, supplier_id) DO NOTHING`,
		rec.OrderID, rec.SupplierID, rec.Delta, rec.Outcome, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`UPDATE fulfillment_suppliers SET reliability = LEAST($3, GREATEST(0, reliability + $2)) WHERE supplier_id = $1`,
			rec.SupplierID, rec.Delta, MaxReliability,
		); err != nil {
			return fmt.Errorf("failed to update reliability: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (d *PostgresDAO) UpsertOpsTask(ctx context.Context, task flow.OpsTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal ops task: %w", err)
	}
	var due *time.Time
	if !task.Due.IsZero() {
		due = &task.Due
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO fulfillment_ops_tasks (task_id, order_id, status, due, payload, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (task_id) DO UPDATE SET status = $3, due = $4, payload = $5, updated_at = NOW()`,
		task.TaskID, task.OrderID, string(task.Status), due, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ops task %s: %w", task.TaskID, err)
	}
	return nil
}

func (d *PostgresDAO) GetOpsTask(ctx context.Context, taskID string) (*flow.OpsTask, error) {
	var payload []byte
	err := d.pool.QueryRow(ctx, `SELECT payload FROM fulfillment_ops_tasks WHERE task_id = $1`, taskID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flow.NotFound("ops task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ops task: %w", err)
	}
	var task flow.OpsTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("failed to decode ops task: %w", err)
	}
	return &task, nil
}

func (d *PostgresDAO) PostLedger(ctx context.Context, e flow.LedgerEntry) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO fulfillment_ledger (order_id, payment_id, amount_paise, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.OrderID, e.PaymentID, e.AmountPaise, e.Currency, e.Status, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to post ledger entry: %w", err)
	}
	return nil
}

// orderPayload stores the record without its events; those live in fulfillment_order_events.
func orderPayload(rec flow.OrderRecord) ([]byte, error) {
	rec.Events = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	return payload, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
