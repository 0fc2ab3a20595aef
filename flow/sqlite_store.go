package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteStore persists the event log, correlation index, wake times, retry queue and action
// records in one database/sql handle. Open it with the sqlite3 driver.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
	now    func() time.Time

	schemaMu sync.Mutex
	schemaOK bool
}

// NewSQLiteStore builds a store. Tables are named <prefix>_log, <prefix>_retry and so on.
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "fulfillment"
	}
	return &SQLiteStore{db: db, prefix: prefix, now: time.Now}
}

func (s *SQLiteStore) table(name string) string { return s.prefix + "_" + name }

// Append inserts entries after expectedSeq inside one transaction. The primary key on
// (order_id, seq) rejects a concurrent writer that raced past the tail check.
func (s *SQLiteStore) Append(ctx context.Context, orderID string, expectedSeq int, entries ...LogEntry) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, cloneRuntimeError(ErrPreconditionFailed, "order id required", nil, nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var current int
	q := fmt.Sprintf(`SELECT coalesce(max(seq), 0) FROM %s WHERE order_id=?`, s.table("log"))
	if err := tx.QueryRowContext(ctx, q, orderID).Scan(&current); err != nil {
		return 0, err
	}
	if current != expectedSeq {
		return current, SequenceConflict(orderID, expectedSeq, current)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (order_id, seq, kind, step, at, policy_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table("log"))
	for i, e := range entries {
		e.OrderID = orderID
		e.Seq = expectedSeq + i + 1
		e.At = e.At.UTC()
		payload, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, insert, orderID, e.Seq, string(e.Kind), string(e.Step),
			formatTimestamp(e.At), e.PolicyVersion, string(payload)); err != nil {
			if isSQLiteConstraintError(err) {
				return 0, SequenceConflict(orderID, expectedSeq, -1)
			}
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return expectedSeq + len(entries), nil
}

func (s *SQLiteStore) Load(ctx context.Context, orderID string) ([]LogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT payload FROM %s WHERE order_id=? ORDER BY seq ASC`, s.table("log"))
	rows, err := s.db.QueryContext(ctx, q, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Correlate(ctx context.Context, correlationID, orderID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (correlation_id, order_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET order_id=excluded.order_id, updated_at=excluded.updated_at`,
		s.table("correlation"))
	_, err := s.db.ExecContext(ctx, q, correlationID, strings.TrimSpace(orderID), formatTimestamp(s.now()))
	return err
}

func (s *SQLiteStore) Resolve(ctx context.Context, correlationID string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	var orderID string
	q := fmt.Sprintf(`SELECT order_id FROM %s WHERE correlation_id=?`, s.table("correlation"))
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(correlationID)).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFound("correlation", correlationID)
	}
	return orderID, err
}

func (s *SQLiteStore) SetWake(ctx context.Context, orderID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if at.IsZero() {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE order_id=?`, s.table("wakes")), orderID)
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (order_id, wake_at) VALUES (?, ?)
		ON CONFLICT(order_id) DO UPDATE SET wake_at=excluded.wake_at`, s.table("wakes"))
	_, err := s.db.ExecContext(ctx, q, orderID, formatTimestamp(at))
	return err
}

func (s *SQLiteStore) DueWakes(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT order_id FROM %s WHERE wake_at <= ? ORDER BY wake_at ASC, order_id ASC LIMIT ?`, s.table("wakes"))
	rows, err := s.db.QueryContext(ctx, q, formatTimestamp(now), limit)
	if err != nil {
		return nil, err
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

// Enqueue inserts the entry, or revives a completed/dead entry with the same id.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry RetryEntry) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	entry, err := normalizeRetryEntry(entry, s.now())
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, kind, ref, order_id, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)
		ON CONFLICT(id) DO UPDATE SET status='pending', attempts=0, payload=excluded.payload,
			lease_owner='', lease_until='', retry_at='', last_error='', processed_at=NULL
		WHERE status IN ('completed', 'dead')`, s.table("retry"))
	result, err := s.db.ExecContext(ctx, q, entry.ID, entry.Kind, entry.Ref, entry.OrderID,
		string(entry.Payload), formatTimestamp(entry.CreatedAt))
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ClaimPending leases claimable entries in created order.
func (s *SQLiteStore) ClaimPending(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]RetryEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, cloneRuntimeError(ErrPreconditionFailed, "worker id required", nil, nil)
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	now := s.now().UTC()
	leaseUntil := now.Add(leaseTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	claimable := `(
			(status = 'pending' AND (retry_at IS NULL OR retry_at = '' OR retry_at <= ?))
			OR (status = 'leased' AND (lease_until IS NULL OR lease_until = '' OR lease_until <= ?))
		)`
	query := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY created_at ASC, id ASC LIMIT ?`, s.table("retry"), claimable)
	rows, err := tx.QueryContext(ctx, query, formatTimestamp(now), formatTimestamp(now), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s SET status='leased', lease_owner=?, lease_until=?, attempts=attempts+1
		WHERE id=? AND %s`, s.table("retry"), claimable)
	claimed := make([]RetryEntry, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, update, workerID, formatTimestamp(leaseUntil), id,
			formatTimestamp(now), formatTimestamp(now))
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			continue
		}
		entry, err := s.loadRetry(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id, leaseOwner string) error {
	return s.settleRetry(ctx, id, leaseOwner,
		`status='completed', processed_at=?, retry_at='', last_error=''`, formatTimestamp(s.now()))
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, leaseOwner string, retryAt time.Time, reason string) error {
	return s.settleRetry(ctx, id, leaseOwner,
		`status='pending', retry_at=?, processed_at=NULL, last_error=?`, formatTimestamp(retryAt), strings.TrimSpace(reason))
}

func (s *SQLiteStore) MarkDead(ctx context.Context, id, leaseOwner, reason string) error {
	return s.settleRetry(ctx, id, leaseOwner,
		`status='dead', processed_at=?, last_error=?`, formatTimestamp(s.now()), strings.TrimSpace(reason))
}

func (s *SQLiteStore) ListDead(ctx context.Context, limit int) ([]RetryEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE status='dead' ORDER BY id ASC LIMIT ?`, retryColumns, s.table("retry"))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RetryEntry
	for rows.Next() {
		e, err := decodeRetryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) settleRetry(ctx context.Context, id, leaseOwner, set string, args ...any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return cloneRuntimeError(ErrPreconditionFailed, "retry id required", nil, nil)
	}
	q := fmt.Sprintf(`UPDATE %s SET %s, lease_owner='', lease_until='' WHERE id=?`, s.table("retry"), set)
	args = append(args, id)
	if owner := strings.TrimSpace(leaseOwner); owner != "" {
		q += ` AND lease_owner=?`
		args = append(args, owner)
	}
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return NotFound("retry entry", id)
	}
	return nil
}

const retryColumns = `id, kind, ref, order_id, payload, status, attempts, lease_owner, lease_until,
	retry_at, last_error, created_at, processed_at`

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) loadRetry(ctx context.Context, tx *sql.Tx, id string) (RetryEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id=?`, retryColumns, s.table("retry"))
	return decodeRetryEntry(tx.QueryRowContext(ctx, q, id))
}

func decodeRetryEntry(row sqlRowScanner) (RetryEntry, error) {
	var (
		e                                                     RetryEntry
		payload, status                                       string
		leaseOwner, leaseUntil, retryAt, lastErr, processedAt sql.NullString
		createdAt                                             string
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.Ref, &e.OrderID, &payload, &status, &e.Attempts,
		&leaseOwner, &leaseUntil, &retryAt, &lastErr, &createdAt, &processedAt); err != nil {
		return RetryEntry{}, err
	}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	e.Status = RetryStatus(status)
	e.LeaseOwner = leaseOwner.String
	e.LeaseUntil, _ = parseTimestamp(leaseUntil.String)
	e.RetryAt, _ = parseTimestamp(retryAt.String)
	e.LastError = lastErr.String
	e.CreatedAt, _ = parseTimestamp(createdAt)
	e.ProcessedAt, _ = parseTimestamp(processedAt.String)
	return e, nil
}

func (s *SQLiteStore) GetAction(ctx context.Context, kind, ref string) (*ActionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT kind, ref, order_id, status, payload, result, attempts, last_error, created_at, updated_at
		FROM %s WHERE kind=? AND ref=?`, s.table("actions"))
	var (
		rec                  ActionRecord
		status               string
		payload, result      sql.NullString
		lastErr              sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, kind, ref).Scan(&rec.Kind, &rec.Ref, &rec.OrderID, &status,
		&payload, &result, &rec.Attempts, &lastErr, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = ActionStatus(status)
	if payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	if result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	rec.LastError = lastErr.String
	rec.CreatedAt, _ = parseTimestamp(createdAt)
	rec.UpdatedAt, _ = parseTimestamp(updatedAt)
	return &rec, nil
}

// ClaimAction inserts rec unless (kind, ref) exists, then falls back to reopening a failed
// record. Both statements are single-row conditional writes, so only one handle wins.
func (s *SQLiteStore) ClaimAction(ctx context.Context, rec ActionRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`INSERT INTO %s (kind, ref, order_id, status, payload, result, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, '', ?, ?)
		ON CONFLICT(kind, ref) DO NOTHING`, s.table("actions"))
	res, err := s.db.ExecContext(ctx, q, rec.Kind, rec.Ref, rec.OrderID, string(ActionPending),
		string(rec.Payload), rec.Attempts, formatTimestamp(rec.CreatedAt), formatTimestamp(rec.UpdatedAt))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return n > 0, err
	}
	q = fmt.Sprintf(`UPDATE %s SET status=?, attempts=attempts+1, updated_at=?
		WHERE kind=? AND ref=? AND status=?`, s.table("actions"))
	res, err = s.db.ExecContext(ctx, q, string(ActionPending), formatTimestamp(rec.UpdatedAt),
		rec.Kind, rec.Ref, string(ActionFailed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) PutAction(ctx context.Context, rec ActionRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (kind, ref, order_id, status, payload, result, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, ref) DO UPDATE SET status=excluded.status, result=excluded.result,
			attempts=excluded.attempts, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		s.table("actions"))
	_, err := s.db.ExecContext(ctx, q, rec.Kind, rec.Ref, rec.OrderID, string(rec.Status),
		string(rec.Payload), string(rec.Result), rec.Attempts, rec.LastError,
		formatTimestamp(rec.CreatedAt), formatTimestamp(rec.UpdatedAt))
	return err
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaOK {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaOK = true
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			order_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			step TEXT,
			at TEXT NOT NULL,
			policy_version TEXT,
			payload TEXT NOT NULL,
			PRIMARY KEY (order_id, seq)
		)`, s.table("log")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			correlation_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table("correlation")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			order_id TEXT PRIMARY KEY,
			wake_at TEXT NOT NULL
		)`, s.table("wakes")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			ref TEXT NOT NULL,
			order_id TEXT,
			payload TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_until TEXT,
			retry_at TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			processed_at TEXT
		)`, s.table("retry")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			kind TEXT NOT NULL,
			ref TEXT NOT NULL,
			order_id TEXT,
			status TEXT NOT NULL,
			payload TEXT,
			result TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, ref)
		)`, s.table("actions")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_wake_idx ON %s (wake_at)`, s.table("wakes"), s.table("wakes")),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// sqliteTimestamp keeps a fixed-width fraction so stored values compare as text.
const sqliteTimestamp = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(sqliteTimestamp)
}

func isSQLiteConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed")
}
