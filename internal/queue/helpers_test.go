package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/bissquit/relay/internal/queue/memory"
	"github.com/stretchr/testify/require"
)

// clock is a manually advanced time source for the memory store.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubHandler returns queued results in order, then the last one forever.
type stubHandler struct {
	kind    string
	mu      sync.Mutex
	results []error
	calls   atomic.Int32
	block   chan struct{}
	panicky bool
}

func (h *stubHandler) Kind() string { return h.kind }

func (h *stubHandler) Handle(ctx context.Context, _ *domain.WorkItem) error {
	n := int(h.calls.Add(1))
	if h.panicky {
		panic("handler exploded")
	}
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return nil
	}
	if n > len(h.results) {
		return h.results[len(h.results)-1]
	}
	return h.results[n-1]
}

var (
	errTransient = queue.NewRetryableError(errors.New("gateway unavailable"))
	errPermanent = queue.NewNonRetryableError(errors.New("invalid recipient"))
)

func enqueue(t *testing.T, store queue.Store, kind string, maxAttempts int) *domain.WorkItem {
	t.Helper()
	item := &domain.WorkItem{
		Kind:        kind,
		Payload:     []byte(`{"to":"+15550100","message":"hello"}`),
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, store.Enqueue(context.Background(), item))
	return item
}

func get(t *testing.T, store queue.Store, id string) *domain.WorkItem {
	t.Helper()
	item, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

// failingStore wraps a store and fails selected operations.
type failingStore struct {
	queue.Store
	claimErr    error
	completeErr error
	releaseErr  error
}

func (s *failingStore) ClaimBatch(ctx context.Context, workerID string, backoff time.Duration, batchSize int) ([]*domain.WorkItem, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	return s.Store.ClaimBatch(ctx, workerID, backoff, batchSize)
}

func (s *failingStore) CompleteItem(ctx context.Context, id, workerID string, terminal domain.Status, lastErr string) (bool, error) {
	if s.completeErr != nil {
		return false, s.completeErr
	}
	return s.Store.CompleteItem(ctx, id, workerID, terminal, lastErr)
}

func (s *failingStore) ReleaseItem(ctx context.Context, id, workerID, lastErr string) (domain.Status, bool, error) {
	if s.releaseErr != nil {
		return 0, false, s.releaseErr
	}
	return s.Store.ReleaseItem(ctx, id, workerID, lastErr)
}

func newMemoryStore(c *clock) *memory.Store {
	return memory.NewStore(memory.WithNow(c.Now))
}
