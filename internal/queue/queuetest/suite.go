// Package queuetest contains a conformance suite shared by every queue.Store
// implementation.
package queuetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest and is
// responsible for registering its own cleanup.
type Factory func(t *testing.T) queue.Store

// tick is long enough for every backend's clock to advance past a timestamp
// it just wrote.
const tick = 50 * time.Millisecond

// RunStoreSuite runs the conformance suite against stores built by newStore.
func RunStoreSuite(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s queue.Store)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"GetNotFound", testGetNotFound},
		{"ClaimSetsOwnership", testClaimSetsOwnership},
		{"ClaimRespectsBatchSize", testClaimRespectsBatchSize},
		{"ClaimRejectsInvalidBatchSize", testClaimRejectsInvalidBatchSize},
		{"ClaimMutualExclusion", testClaimMutualExclusion},
		{"TwoClaimersOneItem", testTwoClaimersOneItem},
		{"BackoffRespected", testBackoffRespected},
		{"BeginProcessing", testBeginProcessing},
		{"CompleteRequiresOwner", testCompleteRequiresOwner},
		{"CompleteRejectsNonTerminal", testCompleteRejectsNonTerminal},
		{"ReleaseRequeues", testReleaseRequeues},
		{"ReleaseExhaustedFails", testReleaseExhaustedFails},
		{"TerminalImmutable", testTerminalImmutable},
		{"ReapStaleClaims", testReapStaleClaims},
		{"ReapIdempotent", testReapIdempotent},
		{"ReapIgnoresFreshClaims", testReapIgnoresFreshClaims},
		{"AttemptMonotonic", testAttemptMonotonic},
		{"Stats", testStats},
		{"List", testList},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func enqueue(t *testing.T, s queue.Store, maxAttempts int) *domain.WorkItem {
	t.Helper()
	item := &domain.WorkItem{
		Kind:        domain.KindSMS,
		Payload:     json.RawMessage(`{"to":"+15550100","message":"hello"}`),
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, s.Enqueue(context.Background(), item))
	return item
}

func claimOne(t *testing.T, s queue.Store, workerID string) *domain.WorkItem {
	t.Helper()
	items, err := s.ClaimBatch(context.Background(), workerID, 0, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func get(t *testing.T, s queue.Store, id string) *domain.WorkItem {
	t.Helper()
	item, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func testEnqueueAndGet(t *testing.T, s queue.Store) {
	item := enqueue(t, s, 3)
	require.NotEmpty(t, item.ID)

	got := get(t, s, item.ID)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, domain.KindSMS, got.Kind)
	assert.JSONEq(t, `{"to":"+15550100","message":"hello"}`, string(got.Payload))
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Nil(t, got.LockOwner)
	assert.Nil(t, got.LastProcessed)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.False(t, got.CreatedAt.IsZero())
}

func testGetNotFound(t *testing.T, s queue.Store) {
	_, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, queue.ErrItemNotFound)
}

func testClaimSetsOwnership(t *testing.T, s queue.Store) {
	item := enqueue(t, s, 3)

	claimed := claimOne(t, s, "worker-a")
	assert.Equal(t, item.ID, claimed.ID)
	assert.Equal(t, domain.StatusClaimed, claimed.Status)
	require.NotNil(t, claimed.LockOwner)
	assert.Equal(t, "worker-a", *claimed.LockOwner)
	assert.Equal(t, 1, claimed.AttemptCount)
	assert.NotNil(t, claimed.LastProcessed)
	assert.Equal(t, 3, claimed.MaxAttempts)
	assert.JSONEq(t, string(item.Payload), string(claimed.Payload))

	stored := get(t, s, item.ID)
	assert.Equal(t, domain.StatusClaimed, stored.Status)
	assert.True(t, stored.OwnedBy("worker-a"))
	assert.Equal(t, 1, stored.AttemptCount)
}

func testClaimRejectsInvalidBatchSize(t *testing.T, s queue.Store) {
	ctx := context.Background()
	for range 3 {
		enqueue(t, s, 3)
	}

	for _, size := range []int{0, -1} {
		items, err := s.ClaimBatch(ctx, "worker-a", time.Hour, size)
		require.ErrorIs(t, err, queue.ErrInvalidBatchSize, "batch size %d", size)
		assert.Empty(t, items)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Queued)
	assert.Zero(t, stats.Claimed)
}

func testClaimRespectsBatchSize(t *testing.T, s queue.Store) {
	ctx := context.Background()
	for range 5 {
		enqueue(t, s, 3)
	}

	first, err := s.ClaimBatch(ctx, "worker-a", time.Hour, 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := s.ClaimBatch(ctx, "worker-b", time.Hour, 3)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	third, err := s.ClaimBatch(ctx, "worker-c", time.Hour, 3)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func testClaimMutualExclusion(t *testing.T, s queue.Store) {
	ctx := context.Background()
	const total = 30
	for range total {
		enqueue(t, s, 3)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		dups []string
		wg   sync.WaitGroup
	)

	for w := range 6 {
		workerID := "worker-" + string(rune('a'+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := s.ClaimBatch(ctx, workerID, time.Hour, 4)
				if !assert.NoError(t, err) || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					if _, ok := seen[item.ID]; ok {
						dups = append(dups, item.ID)
					}
					seen[item.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dups, "items claimed more than once")
	assert.Len(t, seen, total)

	for id, workerID := range seen {
		assert.True(t, get(t, s, id).OwnedBy(workerID))
	}
}

func testTwoClaimersOneItem(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, 3)

	results := make([][]*domain.WorkItem, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			items, err := s.ClaimBatch(ctx, "worker-"+string(rune('1'+i)), 0, 1)
			assert.NoError(t, err)
			results[i] = items
		}()
	}
	close(start)
	wg.Wait()

	total := len(results[0]) + len(results[1])
	require.Equal(t, 1, total, "exactly one claimer must receive the item")
	for _, items := range results {
		for _, got := range items {
			assert.Equal(t, item.ID, got.ID)
		}
	}
}

func testBackoffRespected(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, 3)

	claimed := claimOne(t, s, "worker-a")
	status, applied, err := s.ReleaseItem(ctx, claimed.ID, "worker-a", "gateway timeout")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, domain.StatusQueued, status)

	items, err := s.ClaimBatch(ctx, "worker-b", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, items, "item must wait out the backoff window")

	time.Sleep(tick)

	items, err = s.ClaimBatch(ctx, "worker-b", tick/5, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, 2, items[0].AttemptCount)
}

func testBeginProcessing(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, 3)
	claimed := claimOne(t, s, "worker-a")

	ok, err := s.BeginProcessing(ctx, claimed.ID, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.BeginProcessing(ctx, claimed.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	stored := get(t, s, claimed.ID)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
	assert.True(t, stored.OwnedBy("worker-a"))

	ok, err = s.BeginProcessing(ctx, claimed.ID, "worker-a")
	require.NoError(t, err)
	assert.False(t, ok, "PROCESSING cannot begin again")
}

func testCompleteRequiresOwner(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, 3)
	claimed := claimOne(t, s, "worker-a")

	ok, err := s.CompleteItem(ctx, claimed.ID, "worker-b", domain.StatusSent, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.StatusClaimed, get(t, s, claimed.ID).Status)

	ok, err = s.CompleteItem(ctx, claimed.ID, "worker-a", domain.StatusSent, "")
	require.NoError(t, err)
	assert.True(t, ok)

	stored := get(t, s, claimed.ID)
	assert.Equal(t, domain.StatusSent, stored.Status)
	assert.Nil(t, stored.LockOwner)
	assert.NotNil(t, stored.CompletedAt)

	ok, err = s.CompleteItem(ctx, claimed.ID, "worker-a", domain.StatusFailed, "late")
	require.NoError(t, err)
	assert.False(t, ok, "completing twice must be a no-op")
	assert.Equal(t, domain.StatusSent, get(t, s, claimed.ID).Status)
}

func testCompleteRejectsNonTerminal(t *testing.T, s queue.Store) {
	enqueue(t, s, 3)
	claimed := claimOne(t, s, "worker-a")

	_, err := s.CompleteItem(context.Background(), claimed.ID, "worker-a", domain.StatusQueued, "")
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)
	assert.Equal(t, domain.StatusClaimed, get(t, s, claimed.ID).Status)
}

func testReleaseRequeues(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, 3)
	claimed := claimOne(t, s, "worker-a")

	_, ok, err := s.ReleaseItem(ctx, claimed.ID, "worker-b", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	status, ok, err := s.ReleaseItem(ctx, claimed.ID, "worker-a", "gateway unavailable")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusQueued, status)

	stored := get(t, s, claimed.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Nil(t, stored.LockOwner)
	assert.Equal(t, "gateway unavailable", stored.LastError)
	require.NotNil(t, stored.LastProcessed, "release keeps the last attempt time")
	assert.Equal(t, 1, stored.AttemptCount)
}

func testReleaseExhaustedFails(t *testing.T, s queue.Store) {
	enqueue(t, s, 1)
	claimed := claimOne(t, s, "worker-a")

	status, ok, err := s.ReleaseItem(context.Background(), claimed.ID, "worker-a", "still failing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusFailed, status)

	stored := get(t, s, claimed.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Nil(t, stored.LockOwner)
}

func testTerminalImmutable(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, 3)
	enqueue(t, s, 3)

	sent := claimOne(t, s, "worker-a")
	failed := claimOne(t, s, "worker-a")

	ok, err := s.CompleteItem(ctx, sent.ID, "worker-a", domain.StatusSent, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompleteItem(ctx, failed.ID, "worker-a", domain.StatusFailed, "rejected")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(tick)

	items, err := s.ClaimBatch(ctx, "worker-b", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, ok, err = s.ReleaseItem(ctx, sent.ID, "worker-a", "")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := s.ReapStaleClaims(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Equal(t, domain.StatusSent, get(t, s, sent.ID).Status)
	stored := get(t, s, failed.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "rejected", stored.LastError)
}

func testReapStaleClaims(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, 3)

	claimed := claimOne(t, s, "worker-crashed")
	require.Equal(t, item.ID, claimed.ID)

	time.Sleep(tick)

	count, err := s.ReapStaleClaims(ctx, tick/5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored := get(t, s, item.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Nil(t, stored.LockOwner)
	assert.Equal(t, 1, stored.AttemptCount)

	reclaimed, err := s.ClaimBatch(ctx, "worker-b", 0, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, item.ID, reclaimed[0].ID)
	assert.Equal(t, 2, reclaimed[0].AttemptCount)
	assert.True(t, get(t, s, item.ID).OwnedBy("worker-b"))

	ok, err := s.CompleteItem(ctx, item.ID, "worker-crashed", domain.StatusSent, "")
	require.NoError(t, err)
	assert.False(t, ok, "the crashed owner lost its claim")
}

func testReapIdempotent(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, 3)
	enqueue(t, s, 3)

	claimed := claimOne(t, s, "worker-a")
	ok, err := s.BeginProcessing(ctx, claimed.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	claimOne(t, s, "worker-a")

	time.Sleep(tick)

	count, err := s.ReapStaleClaims(ctx, tick/5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = s.ReapStaleClaims(ctx, tick/5)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testReapIgnoresFreshClaims(t *testing.T, s queue.Store) {
	enqueue(t, s, 3)
	claimed := claimOne(t, s, "worker-a")

	count, err := s.ReapStaleClaims(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.True(t, get(t, s, claimed.ID).OwnedBy("worker-a"))
}

func testAttemptMonotonic(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, 10)

	for attempt := 1; attempt <= 3; attempt++ {
		time.Sleep(tick)
		items, err := s.ClaimBatch(ctx, "worker-a", tick/5, 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, attempt, items[0].AttemptCount)

		status, ok, err := s.ReleaseItem(ctx, item.ID, "worker-a", "retry")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.StatusQueued, status)
		assert.Equal(t, attempt, get(t, s, item.ID).AttemptCount, "release must not change attempt count")
	}
}

func testStats(t *testing.T, s queue.Store) {
	ctx := context.Background()
	for range 4 {
		enqueue(t, s, 3)
	}

	sent := claimOne(t, s, "worker-a")
	ok, err := s.CompleteItem(ctx, sent.ID, "worker-a", domain.StatusSent, "")
	require.NoError(t, err)
	require.True(t, ok)

	processing := claimOne(t, s, "worker-a")
	ok, err = s.BeginProcessing(ctx, processing.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	claimOne(t, s, "worker-a")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queued: 1, Claimed: 1, Processing: 1, Sent: 1}, *stats)
}

func testList(t *testing.T, s queue.Store) {
	ctx := context.Background()
	for range 3 {
		enqueue(t, s, 3)
		time.Sleep(time.Millisecond)
	}
	claimOne(t, s, "worker-a")

	all, err := s.List(ctx, queue.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	queued := domain.StatusQueued
	onlyQueued, err := s.List(ctx, queue.ListFilter{Status: &queued})
	require.NoError(t, err)
	assert.Len(t, onlyQueued, 2)
	for _, item := range onlyQueued {
		assert.Equal(t, domain.StatusQueued, item.Status)
	}

	limited, err := s.List(ctx, queue.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	failed := domain.StatusFailed
	none, err := s.List(ctx, queue.ListFilter{Status: &failed})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
