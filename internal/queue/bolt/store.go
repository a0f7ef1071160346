// Package bolt provides a bbolt implementation of queue.Store.
//
// bbolt admits one read-write transaction at a time, so each mutating
// operation reads, checks and writes inside a single db.Update.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var itemsBucket = []byte("work_items")

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store implements queue.Store on a bbolt file.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue inserts a new QUEUED item.
func (s *Store) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := s.now().UTC()

	stored := *item
	stored.Status = domain.StatusQueued
	stored.LockOwner = nil
	stored.AttemptCount = 0
	stored.LastProcessed = nil
	stored.CompletedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		if b.Get([]byte(stored.ID)) != nil {
			return fmt.Errorf("work item %s already exists", stored.ID)
		}
		return put(b, &stored)
	})
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	*item = stored
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var item *domain.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = get(tx.Bucket(itemsBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// List returns items newest first.
func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]*domain.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]*domain.WorkItem, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx.Bucket(itemsBucket), func(item *domain.WorkItem) {
			if filter.Status == nil || item.Status == *filter.Status {
				items = append(items, item)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}

	slices.SortFunc(items, func(a, b *domain.WorkItem) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit := filter.EffectiveLimit(); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ClaimBatch claims up to batchSize eligible items for workerID.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, backoff time.Duration, batchSize int) ([]*domain.WorkItem, error) {
	if err := queue.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	threshold := now.Add(-backoff)

	claimed := make([]*domain.WorkItem, 0)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)

		eligible := make([]*domain.WorkItem, 0)
		err := scan(b, func(item *domain.WorkItem) {
			if item.Status != domain.StatusQueued {
				return
			}
			if item.LastProcessed != nil && !item.LastProcessed.Before(threshold) {
				return
			}
			eligible = append(eligible, item)
		})
		if err != nil {
			return err
		}

		slices.SortFunc(eligible, claimOrder)
		if len(eligible) > batchSize {
			eligible = eligible[:batchSize]
		}

		for _, item := range eligible {
			owner := workerID
			claimedAt := now
			item.Status = domain.StatusClaimed
			item.LockOwner = &owner
			item.LastProcessed = &claimedAt
			item.AttemptCount++
			item.UpdatedAt = now
			if err := put(b, item); err != nil {
				return err
			}
			claimed = append(claimed, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim work items: %w", err)
	}
	return claimed, nil
}

func claimOrder(a, b *domain.WorkItem) int {
	switch {
	case a.LastProcessed == nil && b.LastProcessed != nil:
		return -1
	case a.LastProcessed != nil && b.LastProcessed == nil:
		return 1
	case a.LastProcessed != nil && b.LastProcessed != nil:
		if c := a.LastProcessed.Compare(*b.LastProcessed); c != 0 {
			return c
		}
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// BeginProcessing moves an owned CLAIMED item to PROCESSING.
func (s *Store) BeginProcessing(ctx context.Context, id, workerID string) (bool, error) {
	return s.update(ctx, id, func(item *domain.WorkItem) bool {
		if item.Status != domain.StatusClaimed || !item.OwnedBy(workerID) {
			return false
		}
		item.Status = domain.StatusProcessing
		item.UpdatedAt = s.now().UTC()
		return true
	})
}

// CompleteItem moves an owned item to a terminal status.
func (s *Store) CompleteItem(ctx context.Context, id, workerID string, terminal domain.Status, lastErr string) (bool, error) {
	if err := queue.ValidateTerminal(terminal); err != nil {
		return false, err
	}

	return s.update(ctx, id, func(item *domain.WorkItem) bool {
		if !item.OwnedBy(workerID) {
			return false
		}
		now := s.now().UTC()
		item.Status = terminal
		item.LockOwner = nil
		item.LastError = lastErr
		item.UpdatedAt = now
		item.CompletedAt = &now
		return true
	})
}

// ReleaseItem returns an owned item to QUEUED, or FAILED once exhausted.
func (s *Store) ReleaseItem(ctx context.Context, id, workerID, lastErr string) (domain.Status, bool, error) {
	var status domain.Status
	ok, err := s.update(ctx, id, func(item *domain.WorkItem) bool {
		if !item.OwnedBy(workerID) {
			return false
		}
		now := s.now().UTC()
		item.LockOwner = nil
		item.LastError = lastErr
		item.UpdatedAt = now
		if item.Exhausted() {
			item.Status = domain.StatusFailed
			item.CompletedAt = &now
		} else {
			item.Status = domain.StatusQueued
		}
		status = item.Status
		return true
	})
	if err != nil || !ok {
		return 0, false, err
	}
	return status, true, nil
}

// ReapStaleClaims returns stale CLAIMED/PROCESSING items to QUEUED.
func (s *Store) ReapStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	threshold := now.Add(-staleAfter)

	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)

		stale := make([]*domain.WorkItem, 0)
		err := scan(b, func(item *domain.WorkItem) {
			if item.Status.IsLocked() && item.LastProcessed != nil && item.LastProcessed.Before(threshold) {
				stale = append(stale, item)
			}
		})
		if err != nil {
			return err
		}

		for _, item := range stale {
			item.Status = domain.StatusQueued
			item.LockOwner = nil
			item.UpdatedAt = now
			if err := put(b, item); err != nil {
				return err
			}
		}
		count = int64(len(stale))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	return count, nil
}

// Stats returns item counts by status.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &queue.Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx.Bucket(itemsBucket), func(item *domain.WorkItem) {
			stats.Add(item.Status, 1)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Ping verifies the database is readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(itemsBucket) == nil {
			return fmt.Errorf("bucket %s missing", itemsBucket)
		}
		return nil
	})
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// update applies fn to item id inside one read-write transaction and writes
// the result back when fn reports a change.
func (s *Store) update(ctx context.Context, id string, fn func(item *domain.WorkItem) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var applied bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		item, err := get(b, id)
		if errors.Is(err, queue.ErrItemNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(item) {
			return nil
		}
		applied = true
		return put(b, item)
	})
	if err != nil {
		return false, fmt.Errorf("update work item: %w", err)
	}
	return applied, nil
}

func get(b *bolt.Bucket, id string) (*domain.WorkItem, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, queue.ErrItemNotFound
	}
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode work item %s: %w", id, err)
	}
	return &item, nil
}

func put(b *bolt.Bucket, item *domain.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item %s: %w", item.ID, err)
	}
	return b.Put([]byte(item.ID), data)
}

// scan decodes every item. fn must not modify the bucket.
func scan(b *bolt.Bucket, fn func(item *domain.WorkItem)) error {
	return b.ForEach(func(k, v []byte) error {
		var item domain.WorkItem
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("decode work item %s: %w", k, err)
		}
		fn(&item)
		return nil
	})
}
