// Package memory provides an in-process implementation of queue.Store.
//
// Every operation runs under a single mutex, so the status/owner checks and
// the writes that follow them form one compare-and-swap.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/google/uuid"
)

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store implements queue.Store in memory.
type Store struct {
	mu    sync.Mutex
	items map[string]*domain.WorkItem
	now   func() time.Time
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*domain.WorkItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue inserts a new QUEUED item.
func (s *Store) Enqueue(_ context.Context, item *domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := s.now().UTC()
	item.Status = domain.StatusQueued
	item.LockOwner = nil
	item.AttemptCount = 0
	item.LastProcessed = nil
	item.CompletedAt = nil
	item.CreatedAt = now
	item.UpdatedAt = now

	s.items[item.ID] = clone(item)
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(_ context.Context, id string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	return clone(item), nil
}

// List returns items newest first.
func (s *Store) List(_ context.Context, filter queue.ListFilter) ([]*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*domain.WorkItem, 0)
	for _, item := range s.items {
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		items = append(items, clone(item))
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
func (s *Store) ClaimBatch(_ context.Context, workerID string, backoff time.Duration, batchSize int) ([]*domain.WorkItem, error) {
	if err := queue.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	threshold := now.Add(-backoff)

	eligible := make([]*domain.WorkItem, 0)
	for _, item := range s.items {
		if item.Status != domain.StatusQueued {
			continue
		}
		if item.LastProcessed != nil && !item.LastProcessed.Before(threshold) {
			continue
		}
		eligible = append(eligible, item)
	}

	slices.SortFunc(eligible, claimOrder)
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]*domain.WorkItem, 0, len(eligible))
	for _, item := range eligible {
		owner := workerID
		claimedAt := now
		item.Status = domain.StatusClaimed
		item.LockOwner = &owner
		item.LastProcessed = &claimedAt
		item.AttemptCount++
		item.UpdatedAt = now
		claimed = append(claimed, clone(item))
	}
	return claimed, nil
}

// claimOrder puts never-attempted items first, then oldest attempt, then oldest item.
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
func (s *Store) BeginProcessing(_ context.Context, id, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != domain.StatusClaimed || !item.OwnedBy(workerID) {
		return false, nil
	}
	item.Status = domain.StatusProcessing
	item.UpdatedAt = s.now().UTC()
	return true, nil
}

// CompleteItem moves an owned item to a terminal status.
func (s *Store) CompleteItem(_ context.Context, id, workerID string, terminal domain.Status, lastErr string) (bool, error) {
	if err := queue.ValidateTerminal(terminal); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || !item.OwnedBy(workerID) {
		return false, nil
	}

	now := s.now().UTC()
	item.Status = terminal
	item.LockOwner = nil
	item.LastError = lastErr
	item.UpdatedAt = now
	item.CompletedAt = &now
	return true, nil
}

// ReleaseItem returns an owned item to QUEUED, or FAILED once exhausted.
func (s *Store) ReleaseItem(_ context.Context, id, workerID, lastErr string) (domain.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || !item.OwnedBy(workerID) {
		return 0, false, nil
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
	return item.Status, true, nil
}

// ReapStaleClaims returns stale CLAIMED/PROCESSING items to QUEUED.
func (s *Store) ReapStaleClaims(_ context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	threshold := now.Add(-staleAfter)

	var count int64
	for _, item := range s.items {
		if !item.Status.IsLocked() {
			continue
		}
		if item.LastProcessed == nil || !item.LastProcessed.Before(threshold) {
			continue
		}
		item.Status = domain.StatusQueued
		item.LockOwner = nil
		item.UpdatedAt = now
		count++
	}
	return count, nil
}

// Stats returns item counts by status.
func (s *Store) Stats(_ context.Context) (*queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &queue.Stats{}
	for _, item := range s.items {
		stats.Add(item.Status, 1)
	}
	return stats, nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func clone(item *domain.WorkItem) *domain.WorkItem {
	c := *item
	if item.LockOwner != nil {
		owner := *item.LockOwner
		c.LockOwner = &owner
	}
	if item.LastProcessed != nil {
		t := *item.LastProcessed
		c.LastProcessed = &t
	}
	if item.CompletedAt != nil {
		t := *item.CompletedAt
		c.CompletedAt = &t
	}
	c.Payload = slices.Clone(item.Payload)
	return &c
}
