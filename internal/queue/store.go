// Package queue implements the claim-and-process protocol for work items.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/relay/internal/domain"
)

// Store defines the durable queue every backend implements.
//
// Every mutating operation is a single atomic conditional update: callers
// never observe a state where lock owner and status disagree.
type Store interface {
	// Enqueue inserts a new QUEUED item. An empty ID is replaced with a UUID.
	Enqueue(ctx context.Context, item *domain.WorkItem) error
	Get(ctx context.Context, id string) (*domain.WorkItem, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.WorkItem, error)

	// ClaimBatch atomically claims up to batchSize eligible items for workerID.
	// Eligible items are QUEUED with no last attempt or a last attempt older
	// than backoff. Claimed items have attempt count incremented and
	// lastProcessed set to now. Concurrent callers never receive the same item.
	ClaimBatch(ctx context.Context, workerID string, backoff time.Duration, batchSize int) ([]*domain.WorkItem, error)

	// BeginProcessing moves an owned CLAIMED item to PROCESSING.
	BeginProcessing(ctx context.Context, id, workerID string) (bool, error)

	// CompleteItem moves an owned item to a terminal status and clears the
	// lock. It returns false without error when workerID does not own the item.
	CompleteItem(ctx context.Context, id, workerID string, terminal domain.Status, lastErr string) (bool, error)

	// ReleaseItem returns an owned item to QUEUED, or to FAILED when its
	// attempts are exhausted. lastProcessed is kept so the backoff applies.
	ReleaseItem(ctx context.Context, id, workerID, lastErr string) (domain.Status, bool, error)

	// ReapStaleClaims returns CLAIMED/PROCESSING items whose lastProcessed is
	// older than staleAfter to QUEUED and reports how many were recovered.
	ReapStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error)

	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *domain.Status
	Limit  int
}

// DefaultListLimit applies when ListFilter.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit caps ListFilter.Limit.
const MaxListLimit = 500

// EffectiveLimit returns the limit a backend should apply.
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Stats contains item counts by status.
type Stats struct {
	Queued     int64 `json:"queued"`
	Claimed    int64 `json:"claimed"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
}

// Add increments the counter for status by n.
func (s *Stats) Add(status domain.Status, n int64) {
	switch status {
	case domain.StatusQueued:
		s.Queued += n
	case domain.StatusClaimed:
		s.Claimed += n
	case domain.StatusProcessing:
		s.Processing += n
	case domain.StatusSent:
		s.Sent += n
	case domain.StatusFailed:
		s.Failed += n
	}
}

// ValidateTerminal returns ErrInvalidTransition unless status is terminal.
func ValidateTerminal(status domain.Status) error {
	if !status.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

// ValidateBatchSize returns ErrInvalidBatchSize for a batch size below one.
func ValidateBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, n)
	}
	return nil
}
