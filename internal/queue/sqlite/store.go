// Package sqlite provides a SQLite implementation of queue.Store built on
// modernc.org/sqlite.
//
// SQLite serializes writers, so a claim is a single UPDATE … RETURNING whose
// subquery selects the eligible rows; no two statements can interleave.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const itemColumns = `id, kind, payload, status, lock_owner, attempt_count, max_attempts,
	last_processed, last_error, created_at, updated_at, completed_at`

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithBusyTimeout sets how long a connection waits for the write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

// Store implements queue.Store using SQLite.
type Store struct {
	db          *sql.DB
	now         func() time.Time
	busyTimeout time.Duration
}

// Open opens the database file at path. The schema must already exist;
// see migrate.Up.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		now:         time.Now,
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: every statement runs in order and the WAL never sees
	// two writers from this process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s.db = db
	return s, nil
}

// Enqueue inserts a new QUEUED item.
func (s *Store) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, kind, payload, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		item.ID,
		item.Kind,
		[]byte(item.Payload),
		domain.StatusQueued.Code(),
		item.MaxAttempts,
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	item.Status = domain.StatusQueued
	item.LockOwner = nil
	item.AttemptCount = 0
	item.LastProcessed = nil
	item.CompletedAt = nil
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// List returns items newest first.
func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]*domain.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items`
	args := make([]any, 0, 2)
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, filter.Status.Code())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return collectItems(rows)
}

// ClaimBatch claims up to batchSize eligible items for workerID.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, backoff time.Duration, batchSize int) ([]*domain.WorkItem, error) {
	if err := queue.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE work_items
		SET status = ?, lock_owner = ?, last_processed = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM work_items
			WHERE status = ? AND (last_processed IS NULL OR last_processed < ?)
			ORDER BY last_processed, created_at
			LIMIT ?
		)
		RETURNING `+itemColumns,
		domain.StatusClaimed.Code(),
		workerID,
		now.UnixNano(),
		now.UnixNano(),
		domain.StatusQueued.Code(),
		now.Add(-backoff).UnixNano(),
		batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("claim work items: %w", err)
	}
	return collectItems(rows)
}

// BeginProcessing moves an owned CLAIMED item to PROCESSING.
func (s *Store) BeginProcessing(ctx context.Context, id, workerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE id = ? AND lock_owner = ? AND status = ?`,
		domain.StatusProcessing.Code(),
		s.now().UTC().UnixNano(),
		id,
		workerID,
		domain.StatusClaimed.Code(),
	)
	if err != nil {
		return false, fmt.Errorf("begin processing: %w", err)
	}
	return applied(result)
}

// CompleteItem moves an owned item to a terminal status.
func (s *Store) CompleteItem(ctx context.Context, id, workerID string, terminal domain.Status, lastErr string) (bool, error) {
	if err := queue.ValidateTerminal(terminal); err != nil {
		return false, err
	}
	now := s.now().UTC().UnixNano()

	result, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, lock_owner = NULL, last_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND lock_owner = ? AND status IN (?, ?)`,
		terminal.Code(),
		lastErr,
		now,
		now,
		id,
		workerID,
		domain.StatusClaimed.Code(),
		domain.StatusProcessing.Code(),
	)
	if err != nil {
		return false, fmt.Errorf("complete work item: %w", err)
	}
	return applied(result)
}

// ReleaseItem returns an owned item to QUEUED, or FAILED once exhausted.
func (s *Store) ReleaseItem(ctx context.Context, id, workerID, lastErr string) (domain.Status, bool, error) {
	now := s.now().UTC().UnixNano()

	var code string
	err := s.db.QueryRowContext(ctx, `
		UPDATE work_items
		SET status = CASE WHEN attempt_count >= max_attempts THEN ? ELSE ? END,
		    completed_at = CASE WHEN attempt_count >= max_attempts THEN ? ELSE NULL END,
		    lock_owner = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND lock_owner = ? AND status IN (?, ?)
		RETURNING status`,
		domain.StatusFailed.Code(),
		domain.StatusQueued.Code(),
		now,
		lastErr,
		now,
		id,
		workerID,
		domain.StatusClaimed.Code(),
		domain.StatusProcessing.Code(),
	).Scan(&code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("release work item: %w", err)
	}

	status, err := domain.ParseStatus(code)
	if err != nil {
		return 0, false, err
	}
	return status, true, nil
}

// ReapStaleClaims returns stale CLAIMED/PROCESSING items to QUEUED.
func (s *Store) ReapStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := s.now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, lock_owner = NULL, updated_at = ?
		WHERE status IN (?, ?) AND last_processed < ?`,
		domain.StatusQueued.Code(),
		now.UnixNano(),
		domain.StatusClaimed.Code(),
		domain.StatusProcessing.Code(),
		now.Add(-staleAfter).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns item counts by status.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &queue.Stats{}
	for rows.Next() {
		var code string
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		status, err := domain.ParseStatus(code)
		if err != nil {
			return nil, err
		}
		stats.Add(status, count)
	}
	return stats, rows.Err()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*domain.WorkItem, error) {
	var (
		item          domain.WorkItem
		payload       []byte
		code          string
		lockOwner     sql.NullString
		lastProcessed sql.NullInt64
		createdAt     int64
		updatedAt     int64
		completedAt   sql.NullInt64
	)

	err := row.Scan(
		&item.ID,
		&item.Kind,
		&payload,
		&code,
		&lockOwner,
		&item.AttemptCount,
		&item.MaxAttempts,
		&lastProcessed,
		&item.LastError,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	status, err := domain.ParseStatus(code)
	if err != nil {
		return nil, err
	}

	item.Status = status
	item.Payload = payload
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	if lockOwner.Valid {
		owner := lockOwner.String
		item.LockOwner = &owner
	}
	if lastProcessed.Valid {
		t := fromNanos(lastProcessed.Int64)
		item.LastProcessed = &t
	}
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		item.CompletedAt = &t
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]*domain.WorkItem, error) {
	defer func() { _ = rows.Close() }()

	items := make([]*domain.WorkItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func applied(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
