//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	pgstore "github.com/bissquit/relay/internal/queue/postgres"
	"github.com/bissquit/relay/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) queue.Store {
	t.Helper()
	truncate(t)
	return pgstore.NewStore(testDB)
}

func TestPostgresStore_Conformance(t *testing.T) {
	queuetest.RunStoreSuite(t, newStore)
}

func TestPostgresStore_ConcurrentClaimers(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	const items = 200
	for i := 0; i < items; i++ {
		require.NoError(t, store.Enqueue(ctx, &domain.WorkItem{
			Kind:        domain.KindSMS,
			Payload:     json.RawMessage(`{}`),
			MaxAttempts: 3,
		}))
	}

	const claimers = 8
	var (
		mu       sync.Mutex
		owners   = make(map[string]string, items)
		dupes    []string
		wg       sync.WaitGroup
		errOnce  sync.Once
		claimErr error
	)

	for c := 0; c < claimers; c++ {
		workerID := fmt.Sprintf("worker-%d", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := store.ClaimBatch(ctx, workerID, time.Minute, 7)
				if err != nil {
					errOnce.Do(func() { claimErr = err })
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, item := range batch {
					if prev, ok := owners[item.ID]; ok {
						dupes = append(dupes, fmt.Sprintf("%s claimed by %s and %s", item.ID, prev, workerID))
					}
					owners[item.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, claimErr)
	assert.Empty(t, dupes)
	assert.Len(t, owners, items)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(items), stats.Claimed)
	assert.Zero(t, stats.Queued)
}

func TestPostgresStore_ClaimUsesDatabaseClock(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	item := &domain.WorkItem{Kind: domain.KindSMS, Payload: json.RawMessage(`{}`), MaxAttempts: 3}
	require.NoError(t, store.Enqueue(ctx, item))

	var dbNow time.Time
	require.NoError(t, testDB.QueryRow(ctx, "SELECT NOW()").Scan(&dbNow))

	claimed, err := store.ClaimBatch(ctx, "worker-a", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].LastProcessed)
	assert.WithinDuration(t, dbNow, *claimed[0].LastProcessed, 5*time.Second)
}

func TestPostgresStore_InvalidID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, queue.ErrItemNotFound)

	applied, err := store.CompleteItem(ctx, "not-a-uuid", "worker-a", domain.StatusSent, "")
	require.NoError(t, err)
	assert.False(t, applied)
}
