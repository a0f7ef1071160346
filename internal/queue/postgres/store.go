// Package postgres provides PostgreSQL implementation of queue.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `id, kind, payload, status, lock_owner, attempt_count, max_attempts,
	last_processed, last_error, created_at, updated_at, completed_at`

// Store implements queue.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store. The caller owns the pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new QUEUED item.
func (s *Store) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	} else if _, err := uuid.Parse(item.ID); err != nil {
		return fmt.Errorf("work item id %q: %w", item.ID, err)
	}

	query := `
		INSERT INTO work_items (id, kind, payload, status, attempt_count, max_attempts)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		item.ID,
		item.Kind,
		[]byte(item.Payload),
		domain.StatusQueued.Code(),
		item.MaxAttempts,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	item.Status = domain.StatusQueued
	item.LockOwner = nil
	item.AttemptCount = 0
	item.LastProcessed = nil
	item.CompletedAt = nil
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	if !validID(id) {
		return nil, queue.ErrItemNotFound
	}

	query := `SELECT ` + itemColumns + ` FROM work_items WHERE id = $1`
	item, err := scanItem(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// List returns items newest first.
func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]*domain.WorkItem, error) {
	var status *string
	if filter.Status != nil {
		code := filter.Status.Code()
		status = &code
	}

	query := `
		SELECT ` + itemColumns + `
		FROM work_items
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, status, filter.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return collectItems(rows)
}

// ClaimBatch claims up to batchSize eligible items for workerID.
//
// FOR UPDATE SKIP LOCKED lets concurrent claimers pass over rows another
// transaction is claiming instead of blocking on them.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, backoff time.Duration, batchSize int) ([]*domain.WorkItem, error) {
	if err := queue.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	query := `
		UPDATE work_items w
		SET status = $1,
		    lock_owner = $2,
		    last_processed = NOW(),
		    attempt_count = w.attempt_count + 1,
		    updated_at = NOW()
		FROM (
			SELECT id FROM work_items
			WHERE status = $3
			  AND (last_processed IS NULL
			       OR last_processed < NOW() - make_interval(secs => $4::double precision))
			ORDER BY last_processed NULLS FIRST, created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		) c
		WHERE w.id = c.id
		RETURNING w.id, w.kind, w.payload, w.status, w.lock_owner, w.attempt_count, w.max_attempts,
		          w.last_processed, w.last_error, w.created_at, w.updated_at, w.completed_at
	`
	rows, err := s.db.Query(ctx, query,
		domain.StatusClaimed.Code(),
		workerID,
		domain.StatusQueued.Code(),
		backoff.Seconds(),
		batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("claim work items: %w", err)
	}
	return collectItems(rows)
}

// BeginProcessing moves an owned CLAIMED item to PROCESSING.
func (s *Store) BeginProcessing(ctx context.Context, id, workerID string) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	query := `
		UPDATE work_items SET status = $1, updated_at = NOW()
		WHERE id = $2 AND lock_owner = $3 AND status = $4
	`
	tag, err := s.db.Exec(ctx, query,
		domain.StatusProcessing.Code(),
		id,
		workerID,
		domain.StatusClaimed.Code(),
	)
	if err != nil {
		return false, fmt.Errorf("begin processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteItem moves an owned item to a terminal status.
func (s *Store) CompleteItem(ctx context.Context, id, workerID string, terminal domain.Status, lastErr string) (bool, error) {
	if err := queue.ValidateTerminal(terminal); err != nil {
		return false, err
	}
	if !validID(id) {
		return false, nil
	}

	query := `
		UPDATE work_items
		SET status = $1, lock_owner = NULL, last_error = $2, updated_at = NOW(), completed_at = NOW()
		WHERE id = $3 AND lock_owner = $4 AND status IN ($5, $6)
	`
	tag, err := s.db.Exec(ctx, query,
		terminal.Code(),
		lastErr,
		id,
		workerID,
		domain.StatusClaimed.Code(),
		domain.StatusProcessing.Code(),
	)
	if err != nil {
		return false, fmt.Errorf("complete work item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseItem returns an owned item to QUEUED, or FAILED once exhausted.
func (s *Store) ReleaseItem(ctx context.Context, id, workerID, lastErr string) (domain.Status, bool, error) {
	if !validID(id) {
		return 0, false, nil
	}

	query := `
		UPDATE work_items
		SET status = CASE WHEN attempt_count >= max_attempts THEN $1 ELSE $2 END,
		    completed_at = CASE WHEN attempt_count >= max_attempts THEN NOW() ELSE NULL END,
		    lock_owner = NULL,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $4 AND lock_owner = $5 AND status IN ($6, $7)
		RETURNING status
	`
	var code string
	err := s.db.QueryRow(ctx, query,
		domain.StatusFailed.Code(),
		domain.StatusQueued.Code(),
		lastErr,
		id,
		workerID,
		domain.StatusClaimed.Code(),
		domain.StatusProcessing.Code(),
	).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	query := `
		UPDATE work_items
		SET status = $1, lock_owner = NULL, updated_at = NOW()
		WHERE status IN ($2, $3)
		  AND last_processed < NOW() - make_interval(secs => $4::double precision)
	`
	tag, err := s.db.Exec(ctx, query,
		domain.StatusQueued.Code(),
		domain.StatusClaimed.Code(),
		domain.StatusProcessing.Code(),
		staleAfter.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns item counts by status.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

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

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close is a no-op; the pool is closed by its owner.
func (s *Store) Close() error {
	return nil
}

func scanItem(row pgx.Row) (*domain.WorkItem, error) {
	var (
		item    domain.WorkItem
		payload []byte
		code    string
	)
	err := row.Scan(
		&item.ID,
		&item.Kind,
		&payload,
		&code,
		&item.LockOwner,
		&item.AttemptCount,
		&item.MaxAttempts,
		&item.LastProcessed,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
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
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]*domain.WorkItem, error) {
	defer rows.Close()

	items := make([]*domain.WorkItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return items, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
