package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Sentinel errors for store operations.
var (
	// ErrDuplicateKey indicates a Put for an id that already exists. The
	// existing record is left untouched.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound indicates the requested id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusMismatch indicates a conditional status update found the
	// record in a different state than expected.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// Store provides durable storage for offline order records, backed by a
// SQLite file database so the backlog survives a process restart.
//
// Each exported operation maps to a single SQL statement, so a write either
// fully commits or has no visible effect; a concurrent reader never observes
// a partially written record.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Open creates or opens the database at path and applies the schema.
// Safe to call repeatedly against the same file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite allows a single writer; limiting the pool avoids SQLITE_BUSY
	// when the sync engine and the order-entry flow write concurrently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// Recover records the previous process left mid-flight. A syncing record
	// belongs to a pass that never finished; a conflict record's server copy
	// lived only in that process's memory. Both return to pending: the next
	// pass resubmits them, which is safe because the id is the idempotency
	// token, and a still-duplicated order earns the same 409 again so the
	// conflict is resurfaced for the operator.
	if _, err := db.Exec(
		`UPDATE orders SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		string(StatusPending), time.Now().UnixNano(),
		string(StatusSyncing), string(StatusConflict),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover in-flight orders: %w", err)
	}

	return &Store{db: db, nowFunc: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts a new record. Returns ErrDuplicateKey if the id already exists;
// the second insert has no effect on the stored record.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = rec.CreatedAt
	}
	now := s.nowFunc()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, items, total, customer_info, created_at, status,
		                     retry_count, last_error, next_attempt_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Items), rec.Total, nullableJSON(rec.CustomerInfo),
		rec.CreatedAt.UnixNano(), string(rec.Status),
		rec.RetryCount, rec.LastError, rec.NextAttemptAt.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("put order %s: %w", rec.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("put order %s: %w", rec.ID, err)
	}
	return nil
}

// Get fetches a record by id. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM orders WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return rec, nil
}

// All returns every stored record in creation order. Ties on created_at are
// broken by insertion sequence so the drain order is stable.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	return s.query(ctx, selectColumns+` FROM orders ORDER BY created_at, rowid`)
}

// ByStatus returns records with the given status, in creation order.
func (s *Store) ByStatus(ctx context.Context, status Status) ([]Record, error) {
	return s.query(ctx,
		selectColumns+` FROM orders WHERE status = ? ORDER BY created_at, rowid`,
		string(status))
}

// PendingBefore returns pending records whose next attempt is due at or
// before now, in creation order. This is the sync engine's drain query:
// records sitting in a backoff window are skipped without blocking the rest
// of the backlog.
func (s *Store) PendingBefore(ctx context.Context, now time.Time) ([]Record, error) {
	return s.query(ctx,
		selectColumns+` FROM orders
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY created_at, rowid`,
		string(StatusPending), now.UnixNano())
}

// Update applies a partial update to the record with the given id.
// Returns ErrNotFound if the id does not exist.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.nowFunc().UnixNano()}

	if patch.Items != nil {
		sets = append(sets, "items = ?")
		args = append(args, string(*patch.Items))
	}
	if patch.Total != nil {
		sets = append(sets, "total = ?")
		args = append(args, *patch.Total)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, patch.NextAttemptAt.UnixNano())
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update order %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateStatus conditionally moves a record from expected to next status.
// Returns ErrStatusMismatch if the record is not in the expected state, which
// is how concurrent triggers (timer vs. manual pass) avoid racing on the same
// record.
func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), s.nowFunc().UnixNano(), id, string(expected))
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if n == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// MarkSynced conditionally finishes a record: status becomes synced, the
// retry counter and last error are cleared. Synced is terminal; no further
// engine transition touches the record.
func (s *Store) MarkSynced(ctx context.Context, id string, expected Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, retry_count = 0, last_error = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusSynced), s.nowFunc().UnixNano(), id, string(expected))
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	if n == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// MarkFailed conditionally moves a record to the terminal failed status and
// records the reason for operator inspection.
func (s *Store) MarkFailed(ctx context.Context, id string, expected Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusFailed), reason, s.nowFunc().UnixNano(), id, string(expected))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// ScheduleRetry returns a syncing record to pending after a transient
// submission failure: the retry counter is incremented and the next attempt
// is pushed out by delay.
func (s *Store) ScheduleRetry(ctx context.Context, id string, delay time.Duration, reason string) error {
	now := s.nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, retry_count = retry_count + 1,
		        last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusPending), reason, now.Add(delay).UnixNano(), now.UnixNano(),
		id, string(StatusSyncing))
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	if n == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// CacheMenuItems upserts menu entries into the offline cache.
func (s *Store) CacheMenuItems(ctx context.Context, items []MenuItem) error {
	for _, it := range items {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO menu_items (id, category, payload) VALUES (?, ?, ?)`,
			it.ID, it.Category, string(it.Payload))
		if err != nil {
			return fmt.Errorf("cache menu item %s: %w", it.ID, err)
		}
	}
	return nil
}

// MenuItems returns all cached menu entries.
func (s *Store) MenuItems(ctx context.Context) ([]MenuItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, payload FROM menu_items ORDER BY category, id`)
	if err != nil {
		return nil, fmt.Errorf("query menu items: %w", err)
	}
	defer rows.Close()

	var items []MenuItem
	for rows.Next() {
		var it MenuItem
		var payload string
		if err := rows.Scan(&it.ID, &it.Category, &payload); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate menu items: %w", err)
	}
	return items, nil
}

const selectColumns = `SELECT id, items, total, customer_info, created_at, status,
	retry_count, last_error, next_attempt_at, updated_at`

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                          Record
		items                        string
		customerInfo                 sql.NullString
		createdNs, nextNs, updatedNs int64
		status                       string
	)
	err := row.Scan(&rec.ID, &items, &rec.Total, &customerInfo, &createdNs,
		&status, &rec.RetryCount, &rec.LastError, &nextNs, &updatedNs)
	if err != nil {
		return nil, err
	}
	rec.Items = json.RawMessage(items)
	if customerInfo.Valid {
		rec.CustomerInfo = json.RawMessage(customerInfo.String)
	}
	rec.CreatedAt = time.Unix(0, createdNs)
	rec.Status = Status(status)
	rec.NextAttemptAt = time.Unix(0, nextNs)
	rec.UpdatedAt = time.Unix(0, updatedNs)
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
